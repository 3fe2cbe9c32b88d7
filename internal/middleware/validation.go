package middleware

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationConfig represents validation middleware configuration
type ValidationConfig struct {
	CustomValidators    map[string]validator.Func
	CustomErrorMessages map[string]string
}

func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		CustomValidators: map[string]validator.Func{
			"notification_type": func(fl validator.FieldLevel) bool {
				return model.NotificationType(fl.Field().String()).Valid()
			},
			"priority": func(fl validator.FieldLevel) bool {
				return model.Priority(fl.Field().String()).Valid()
			},
			"channel": func(fl validator.FieldLevel) bool {
				return model.Channel(fl.Field().String()).Valid()
			},
		},
		CustomErrorMessages: map[string]string{
			"required":          "Field is required",
			"max":               "Value is too long",
			"url":               "Invalid URL",
			"notification_type": "Unknown notification type",
			"priority":          "Unknown priority",
			"channel":           "Unknown channel",
		},
	}
}

var registerOnce sync.Once

// RegisterValidators installs the custom tags on gin's validator. Safe to call
// more than once.
func RegisterValidators(config ValidationConfig) {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		for tag, fn := range config.CustomValidators {
			if err := v.RegisterValidation(tag, fn); err != nil {
				panic(err)
			}
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
}

// Validation turns binding errors recorded with c.Error into a field list.
func Validation(config ValidationConfig) gin.HandlerFunc {
	RegisterValidators(config)

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		var validationErrors []ValidationError
		for _, err := range c.Errors {
			var errs validator.ValidationErrors
			if !errors.As(err.Err, &errs) {
				continue
			}
			for _, e := range errs {
				msg := config.CustomErrorMessages[e.Tag()]
				if msg == "" {
					msg = e.Error()
				}
				validationErrors = append(validationErrors, ValidationError{
					Field:   e.Field(),
					Message: msg,
				})
			}
		}

		if len(validationErrors) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": "validation failed",
				"errors":  validationErrors,
			})
		}
	}
}
