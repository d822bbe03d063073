package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct-tag validation over cfg and layers a handful of
// cross-field checks the tags alone can't express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return translateValidationError(err)
	}
	if cfg.DRC.Backend == "badger" && cfg.DRC.Path == "" {
		return fmt.Errorf("drc.path is required when drc.backend is badger")
	}
	return nil
}

func translateValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msg := "invalid configuration:"
	for _, fe := range verrs {
		msg += fmt.Sprintf(" %s failed on '%s' (value=%v);", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("%s", msg)
}
