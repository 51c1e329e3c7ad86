package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCfg struct {
	Name string `mapstructure:"name"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Session struct {
		FanoutEvery time.Duration `mapstructure:"fanout_every"`
		Writer      int           `mapstructure:"writer_queue"`
	} `mapstructure:"session"`
}

func writeYAML(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0644))
}

func TestLoad_FileDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "quotes-test", `
name: quotes-test
http:
  addr: ":8080"
session:
  fanout_every: 2s
`)
	t.Setenv("QUOTES_TEST_HTTP_ADDR", ":9090")

	h, v, err := Load[testCfg]("quotes-test", Options{
		Paths:    []string{dir},
		Defaults: map[string]any{"session.writer_queue": 1024},
	})
	require.NoError(t, err)
	require.NotNil(t, v)

	cfg := h.Get()
	assert.Equal(t, "quotes-test", cfg.Name)
	assert.Equal(t, ":9090", cfg.HTTP.Addr, "环境变量应覆盖文件")
	assert.Equal(t, 2*time.Second, cfg.Session.FanoutEvery)
	assert.Equal(t, 1024, cfg.Session.Writer)
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load[testCfg]("not-there", Options{Paths: []string{t.TempDir()}})
	assert.Error(t, err)
}

func TestHolder_SetNotifies(t *testing.T) {
	h := NewHolder(testCfg{Name: "a"})
	var got string
	h.OnChange(func(c testCfg) { got = c.Name })

	h.Set(testCfg{Name: "b"})

	assert.Equal(t, "b", h.Get().Name)
	assert.Equal(t, "b", got)
}
