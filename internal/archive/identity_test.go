package archive

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testID(n int, size int64) Identity {
	id, err := NewIdentity(fmt.Sprintf("%032x", n), size)
	if err != nil {
		panic(err)
	}
	return id
}

// TestParseIdentity covers the hash:size text form.
func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "valid", in: "0123456789abcdef0123456789abcdef:42"},
		{name: "upper case hash", in: "0123456789ABCDEF0123456789ABCDEF:0"},
		{name: "missing size", in: "0123456789abcdef0123456789abcdef", wantErr: true},
		{name: "short hash", in: "abcd:1", wantErr: true},
		{name: "non hex", in: "zz23456789abcdef0123456789abcdef:1", wantErr: true},
		{name: "negative size", in: "0123456789abcdef0123456789abcdef:-1", wantErr: true},
		{name: "bad size", in: "0123456789abcdef0123456789abcdef:x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentity(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadIdentity)
				return
			}
			require.NoError(t, err)
			round, err := ParseIdentity(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, round)
		})
	}
}

// TestRecordTypeNames verifies the textual names used on the wire.
func TestRecordTypeNames(t *testing.T) {
	for typ := FinalSupply; typ <= RemoteDemand; typ++ {
		parsed, err := ParseRecordType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseRecordType("bogus")
	assert.Error(t, err)

	assert.True(t, LocalSupply.IsSupply())
	assert.False(t, LocalSupply.IsDemand())
	assert.True(t, RemoteDemand.IsDemand())
	assert.Equal(t, "TOKEEP", StateToKeep.String())
	assert.True(t, StateWanted < StateAllocated && StateAllocated < StateAvailable && StateAvailable < StateToKeep)
}
