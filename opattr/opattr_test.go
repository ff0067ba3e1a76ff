package opattr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirserv/entrymod/entry"
	"github.com/dirserv/entrymod/modify"
)

func TestInject_StripsUserSuppliedMaintainedAttributesAndPrependsReplaces(t *testing.T) {
	in := []modify.Modification{
		{Op: entry.REPLACE, Descriptor: ModifyTimestamp, Values: []string{"19700101000000Z"}},
		{Op: entry.ADD, Descriptor: "description", Values: []string{"engineer"}},
	}

	out := Inject(in, "cn=admin,o=example", false)

	require.Len(t, out, 3)
	assert.Equal(t, ModifiersName, out[0].Descriptor)
	assert.Equal(t, []string{"cn=admin,o=example"}, out[0].Values)
	assert.Equal(t, ModifyTimestamp, out[1].Descriptor)

	_, parseErr := time.Parse(timeFormat, out[1].Values[0])
	assert.NoError(t, parseErr)

	for _, m := range out[2:] {
		assert.False(t, maintained[m.Descriptor], "the user-supplied modifyTimestamp was stripped, only description survives")
	}
	assert.Equal(t, "description", out[2].Descriptor)
}

func TestInject_AnonymousBindUsesSentinel(t *testing.T) {
	out := Inject(nil, "", false)
	require.Len(t, out, 2)
	assert.Equal(t, []string{AnonymousSentinel}, out[0].Values)
}

func TestInject_ShadowBackendPassesModsThroughUnchanged(t *testing.T) {
	in := []modify.Modification{
		{Op: entry.ADD, Descriptor: "description", Values: []string{"engineer"}},
	}
	out := Inject(in, "cn=admin,o=example", true)
	assert.Equal(t, in, out)
}

func TestInject_PreservesNonMaintainedModifications(t *testing.T) {
	in := []modify.Modification{
		{Op: entry.ADD, Descriptor: "description", Values: []string{"engineer"}},
		{Op: entry.DELETE, Descriptor: "mobile"},
	}
	out := Inject(in, "cn=admin,o=example", false)
	require.Len(t, out, 4)
	assert.Equal(t, "description", out[2].Descriptor)
	assert.Equal(t, "mobile", out[3].Descriptor)
}
