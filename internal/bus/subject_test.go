package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectRaw(t *testing.T) {
	assert.Equal(t, "raw.I.ZX.STATUS", SubjectRaw("ZX:STATUS", true))
	assert.Equal(t, "raw.O.BS.LK", SubjectRaw("BS:LK", false))
	// No kind part.
	assert.Equal(t, "raw.I.ZX._", SubjectRaw("ZX", true))
	// Device-supplied verbs can contain anything; subjects must stay
	// single tokens.
	assert.Equal(t, "raw.I.BS.MESSAGE_1_2", SubjectRaw("BS:MESSAGE*1.2", true))
	assert.Equal(t, "raw.>", SubjectRawAll())
}

func TestSubjectRept(t *testing.T) {
	assert.Equal(t, "rept.9018888888888888", SubjectRept("9018888888888888"))
	assert.Equal(t, "rept._", SubjectRept(""))
	assert.Equal(t, "rept.>", SubjectReptAll())
}
