package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseURL(t *testing.T) {
	t.Run("defaults to local development", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		assert.Equal(t, defaultDatabaseURL, DatabaseURL())
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://app:secret@db:5432/sandman")
		assert.Equal(t, "postgres://app:secret@db:5432/sandman", DatabaseURL())
	})
}

func TestAbs(t *testing.T) {
	assert.Equal(t, 3, abs(3))
	assert.Equal(t, 3, abs(-3))
	assert.Equal(t, 0, abs(0))
}
