package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory("Biomedical"))
	assert.True(t, ValidCategory("Other"))
	assert.False(t, ValidCategory("biomedical")) // case sensitive
	assert.False(t, ValidCategory("Quantum Computing"))
}

func TestFilterCategories(t *testing.T) {
	t.Run("keeps valid members in order", func(t *testing.T) {
		got := FilterCategories([]string{"Engineering", "Public Health"})
		assert.Equal(t, []string{"Engineering", "Public Health"}, got)
	})

	t.Run("drops invalid members", func(t *testing.T) {
		got := FilterCategories([]string{"Engineering", "Blockchain", "Education"})
		assert.Equal(t, []string{"Engineering", "Education"}, got)
	})

	t.Run("caps at MaxCategories", func(t *testing.T) {
		got := FilterCategories(Categories)
		assert.Len(t, got, MaxCategories)
	})

	t.Run("empty input falls back to Other", func(t *testing.T) {
		assert.Equal(t, []string{CategoryOther}, FilterCategories(nil))
	})

	t.Run("all-invalid input falls back to Other", func(t *testing.T) {
		assert.Equal(t, []string{CategoryOther}, FilterCategories([]string{"Nonsense"}))
	})
}
