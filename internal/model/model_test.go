package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeID(t *testing.T) {
	id := NewNodeID()
	require.NoError(t, ValidateNodeID(id))
	assert.NotEqual(t, id, NewNodeID(), "identifiers are unique")
}

func TestValidateNodeID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "valid", id: "caisse-550e8400-e29b-41d4-a716-446655440000", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "missing prefix", id: "terminal-42", wantErr: true},
		{name: "prefix only", id: "caisse-", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTableValid(t *testing.T) {
	for _, table := range Tables() {
		assert.True(t, table.Valid())
	}
	assert.False(t, Table("invoices").Valid())
	assert.False(t, Table("").Valid())
}

func TestStrategyValid(t *testing.T) {
	assert.True(t, StrategyClientWins.Valid())
	assert.True(t, StrategyServerWins.Valid())
	assert.True(t, StrategyManual.Valid())
	assert.False(t, Strategy("newest-wins").Valid())
}
