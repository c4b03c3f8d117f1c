package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type thing struct{}

func TestInterface(t *testing.T) {
	t.Parallel()

	var typedNil *thing
	var iface any = typedNil

	assert.True(t, Interface(nil))
	assert.True(t, Interface(typedNil))
	assert.True(t, Interface(iface))
	assert.True(t, Interface([]string(nil)))
	assert.True(t, Interface(map[string]int(nil)))

	assert.False(t, Interface(&thing{}))
	assert.False(t, Interface("text"))
	assert.False(t, Interface(0))
	assert.False(t, Interface([]string{}))
}
