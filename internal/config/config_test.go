package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "subobject.db", cfg.Output)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.Empty(t, cfg.Filters)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("output", "layouts.db")
	v.Set("workers", 3)
	v.Set("strip_prefix", "/src/repo")
	v.Set("filters", []string{"sys/**"})

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "layouts.db", cfg.Output)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "/src/repo", cfg.StripPrefix)
	assert.Equal(t, []string{"sys/**"}, cfg.Filters)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Output = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Filters = []string{"[broken"}
	assert.Error(t, cfg.Validate())
}

func TestCompileFilters(t *testing.T) {
	cfg := Default()
	cfg.Filters = []string{"sys/**", "**/queue.h"}

	filters, err := cfg.CompileFilters()
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.True(t, filters[0].Match("sys/kernel/proc.h"))
	assert.True(t, filters[1].Match("include/sys/queue.h"))
	assert.False(t, filters[0].Match("lib/libc/stdio.c"))
}
