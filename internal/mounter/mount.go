package mounter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/MacJediWizard/mountrix/internal/credentials"
	"github.com/MacJediWizard/mountrix/internal/livemount"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/privileged"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

// secretMaterial is a resolved x-mountrix.secret reference. It is never logged.
type secretMaterial struct {
	ref      string
	username string
	password string
}

func (s *secretMaterial) sensitiveOptions() []string {
	return credentials.SensitiveOptions(s.username, s.password)
}

// resolveSecret looks up the secret an entry references. A missing secret is
// a field problem; a broken store is an error.
func (o *Orchestrator) resolveSecret(ctx context.Context, entry models.Entry) (*secretMaterial, *models.FieldError, error) {
	ref, ok := entry.Options.Get(templates.SecretOption)
	if !ok {
		return nil, nil, nil
	}
	if o.secrets == nil {
		return nil, &models.FieldError{
			Field:  "options",
			Code:   models.ReasonSecretMissing,
			Detail: fmt.Sprintf("secret %q referenced but no secret store is configured", ref),
		}, nil
	}
	username, password, err := o.secrets.Get(ctx, ref)
	switch {
	case errors.Is(err, credentials.ErrNotFound), errors.Is(err, credentials.ErrInvalidServiceID):
		return nil, &models.FieldError{
			Field:  "options",
			Code:   models.ReasonSecretMissing,
			Detail: fmt.Sprintf("secret %q not found", ref),
		}, nil
	case err != nil:
		return nil, nil, fmt.Errorf("read secret %q: %w", ref, err)
	}
	return &secretMaterial{ref: ref, username: username, password: password}, nil, nil
}

// checkKeyFile rejects an sshfs IdentityFile that is missing, readable by
// others or not a private key.
func checkKeyFile(entry models.Entry) *models.FieldError {
	if entry.FSType != models.FSTypeSSHFS {
		return nil
	}
	keyFile, ok := entry.Options.Get("IdentityFile")
	if !ok {
		return nil
	}
	if err := credentials.ValidateKeyFile(keyFile); err != nil {
		return &models.FieldError{Field: "options", Code: models.ReasonInvalidOption, Detail: err.Error()}
	}
	return nil
}

// mount creates the mountpoint if needed, mounts entry and verifies it in
// the live table. Anything it created is removed again on failure.
func (o *Orchestrator) mount(ctx context.Context, rep *Report, entry models.Entry, secret *secretMaterial) error {
	mctx, cancel := context.WithTimeout(ctx, o.mountTimeout)
	defer cancel()

	created, err := o.ensureMountpoint(mctx, entry.Mountpoint)
	if err != nil {
		return &MountError{Mountpoint: entry.Mountpoint, Reason: "mountpoint", Err: err}
	}

	op := privileged.Operation{
		Kind:    privileged.OpMount,
		Source:  entry.Source,
		Target:  entry.Mountpoint,
		FSType:  string(entry.FSType),
		Options: entry.Options.WithoutUserspace(),
	}
	if secret != nil {
		if path, ok := entry.Options.Get("credentials"); ok {
			if err := o.writeCredentials(mctx, path, secret); err != nil {
				o.removeMountpoint(ctx, entry.Mountpoint, created)
				return &MountError{Mountpoint: entry.Mountpoint, Reason: "credentials", Err: err}
			}
		} else {
			op.SensitiveOptions = secret.sensitiveOptions()
		}
	}

	outcome, err := o.exec.Run(mctx, op)
	if err != nil || !outcome.Success {
		o.removeMountpoint(ctx, entry.Mountpoint, created)
		reason := string(outcome.Reason)
		if reason == "" {
			reason = string(privileged.ReasonFailed)
		}
		return &MountError{Mountpoint: entry.Mountpoint, Reason: reason, Output: outcome.Output, Err: err}
	}
	rep.enter(StateMounted)

	if err := o.verify(ctx, entry.Mountpoint); err != nil {
		if _, uerr := o.unmount(context.WithoutCancel(ctx), entry.Mountpoint); uerr != nil {
			o.logger.Error().Err(uerr).Str("mountpoint", entry.Mountpoint).Msg("failed to undo unverified mount")
		}
		o.removeMountpoint(ctx, entry.Mountpoint, created)
		return &MountError{Mountpoint: entry.Mountpoint, Reason: "not_verified", Err: err}
	}
	rep.enter(StateVerified)
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, mountpoint string) error {
	mounts, err := o.live.List(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("read live mounts: %w", err)
	}
	if _, ok := livemount.Find(mounts, mountpoint); !ok {
		return errors.New("mount reported success but the mountpoint is not in the live mount table")
	}
	return nil
}

// ensureMountpoint creates the mountpoint directory when absent and reports
// whether it did.
func (o *Orchestrator) ensureMountpoint(ctx context.Context, mountpoint string) (bool, error) {
	info, err := o.stat(mountpoint)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", mountpoint)
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	outcome, err := o.exec.Run(ctx, privileged.Operation{Kind: privileged.OpMakeDir, Target: mountpoint, Mode: 0o755})
	if err != nil {
		return false, err
	}
	if !outcome.Success {
		return false, fmt.Errorf("create %s: %s", mountpoint, outcome.Output)
	}
	return true, nil
}

func (o *Orchestrator) removeMountpoint(ctx context.Context, mountpoint string, created bool) {
	if !created {
		return
	}
	outcome, err := o.exec.Run(context.WithoutCancel(ctx), privileged.Operation{Kind: privileged.OpRemoveDir, Target: mountpoint})
	if err != nil || !outcome.Success {
		o.logger.Warn().Err(err).Str("mountpoint", mountpoint).Str("output", outcome.Output).Msg("failed to remove created mountpoint")
	}
}

func (o *Orchestrator) writeCredentials(ctx context.Context, path string, secret *secretMaterial) error {
	outcome, err := o.exec.Run(ctx, privileged.Operation{
		Kind: privileged.OpWriteProtectedFile,
		Path: path,
		Data: credentials.RenderCIFS(secret.username, secret.password),
		Mode: 0o600,
	})
	if err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("write credentials file %s: %s", path, outcome.Output)
	}
	o.logger.Debug().Str("path", path).Str("secret", secret.ref).Msg("credentials file written")
	return nil
}

// unmount tries a plain unmount, then exactly one forced retry. A target
// that is not mounted counts as success.
func (o *Orchestrator) unmount(ctx context.Context, mountpoint string) (forced bool, err error) {
	outcome, err := o.exec.Run(ctx, privileged.Operation{Kind: privileged.OpUnmount, Target: mountpoint})
	if err != nil {
		return false, &UnmountError{Mountpoint: mountpoint, Reason: string(privileged.ReasonFailed), Err: err}
	}
	if outcome.Success || outcome.Reason == privileged.ReasonNotMounted {
		return false, nil
	}

	o.logger.Warn().
		Str("mountpoint", mountpoint).
		Str("reason", string(outcome.Reason)).
		Msg("unmount failed, retrying with force")

	outcome, err = o.exec.Run(ctx, privileged.Operation{Kind: privileged.OpUnmount, Target: mountpoint, Force: true})
	if err != nil {
		return true, &UnmountError{Mountpoint: mountpoint, Reason: string(privileged.ReasonFailed), Err: err}
	}
	if outcome.Success || outcome.Reason == privileged.ReasonNotMounted {
		return true, nil
	}
	return true, &UnmountError{Mountpoint: mountpoint, Reason: string(outcome.Reason), Output: outcome.Output}
}

// restorePrevious remounts the entry that was live before a failed replace.
func (o *Orchestrator) restorePrevious(ctx context.Context, previous models.Entry) {
	ctx = context.WithoutCancel(ctx)
	secret, _, err := o.resolveSecret(ctx, previous)
	if err != nil {
		o.logger.Error().Err(err).Str("mountpoint", previous.Mountpoint).Msg("cannot restore previous mount")
		return
	}
	if err := o.mount(ctx, &Report{}, previous, secret); err != nil {
		o.logger.Error().Err(err).Str("mountpoint", previous.Mountpoint).Msg("failed to restore previous mount")
		return
	}
	o.logger.Info().Str("mountpoint", previous.Mountpoint).Msg("previous mount restored")
}
