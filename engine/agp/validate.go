package agp

import (
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrUpdateNeedsAnnounceOrWithdraw reports an UPDATE with neither
// announcements nor withdrawals, a shape the struct tags alone can't
// express (it's a constraint across two optional slice fields, not on
// either one individually).
var ErrUpdateNeedsAnnounceOrWithdraw = errors.New("agp: update message must carry announce or withdraw")

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

func get() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks field-level shape constraints (required fields, type
// discriminator values) via struct tags. It does not duplicate the
// semantic route-attribute checks that live in engine/models.Validate.
func (m *OpenMessage) Validate() error {
	return get().Struct(m)
}

// Validate checks field-level shape constraints and the
// announce-or-withdraw envelope requirement.
func (m *UpdateMessage) Validate() error {
	if err := get().Struct(m); err != nil {
		return err
	}
	if len(m.Announce) == 0 && len(m.Withdraw) == 0 {
		return ErrUpdateNeedsAnnounceOrWithdraw
	}
	return nil
}
