package agp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenMessageValidate_RequiresRouterIDAndType(t *testing.T) {
	m := &OpenMessage{Type: TypeOpen, RouterID: "r1", ADN: 65001}
	assert.NoError(t, m.Validate())

	m.RouterID = ""
	assert.Error(t, m.Validate())

	m.RouterID = "r1"
	m.Type = TypeUpdate
	assert.Error(t, m.Validate())
}

func TestUpdateMessageValidate_RejectsEmptyEnvelope(t *testing.T) {
	m := &UpdateMessage{Type: TypeUpdate}
	err := m.Validate()
	assert.ErrorIs(t, err, ErrUpdateNeedsAnnounceOrWithdraw)
}

func TestUpdateMessageValidate_AcceptsWithdrawOnly(t *testing.T) {
	m := &UpdateMessage{Type: TypeUpdate, Withdraw: []string{"10.0.0.0/8"}}
	assert.NoError(t, m.Validate())
}
