package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// Validate checks struct tags, then rules that tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Diagnostics.MountTimeout < cfg.Diagnostics.ProbeTimeout {
		return fmt.Errorf("diagnostics: mount_timeout (%s) is shorter than probe_timeout (%s)",
			cfg.Diagnostics.MountTimeout, cfg.Diagnostics.ProbeTimeout)
	}
	if (cfg.Backup.S3.AccessKeyID == "") != (cfg.Backup.S3.SecretAccessKey == "") {
		return errors.New("backup.s3: access_key_id and secret_access_key must be set together")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"monitor.status_schedule": cfg.Monitor.StatusSchedule,
		"monitor.prune_schedule":  cfg.Monitor.PruneSchedule,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
