package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/txn-coordinator/common"
)

func writeConfig(t *testing.T, body string) string {
	dir, err := ioutil.TempDir("", "txn-config")
	assert.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "txn-config.json")
	assert.Nil(t, ioutil.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"timeout_seconds": 5,
		"type": "ONE_PHASE",
		"isolation": "SERIALIZABLE",
		"retry_count": 7,
		"enable_xa": true
	}`)

	c, err := Load(path)
	assert.Nil(t, err)

	expected := common.Options{
		Type:       common.TypeOnePhase,
		Timeout:    5 * time.Second,
		Isolation:  common.Serializable,
		RetryCount: 7,
		EnableXA:   true,
	}
	actual := c.Options()
	assert.Truef(t, cmp.Equal(expected, actual), "Expected %+v but got %+v", expected, actual)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	c, err := Load(path)
	assert.Nil(t, err)

	expected := common.Options{
		Type:       common.TypeTwoPhase,
		Timeout:    30 * time.Second,
		Isolation:  common.ReadCommitted,
		RetryCount: 3,
	}
	actual := c.Options()
	assert.Truef(t, cmp.Equal(expected, actual), "Expected %+v but got %+v", expected, actual)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("does/not/exist.json")
	assert.NotNil(t, err)
}

func TestLoadOrDefaults(t *testing.T) {
	// absent default path falls back to built-in defaults
	c, err := LoadOrDefaults(DefaultConfigFilePath)
	assert.Nil(t, err)
	assert.Equal(t, common.TypeTwoPhase, c.Options().Type)

	// an explicitly named missing file is still an error
	_, err = LoadOrDefaults("does/not/exist.json")
	assert.NotNil(t, err)

	// an existing file is honored regardless of path
	path := writeConfig(t, `{"type": "ONE_PHASE"}`)
	c, err = LoadOrDefaults(path)
	assert.Nil(t, err)
	assert.Equal(t, common.TypeOnePhase, c.Options().Type)
}
