package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Pool:      "bbdb4640-4077-4bb1-8d16-6fd9e8a680e6",
		Container: "e1a6bf22-4a5a-4f9c-9a4d-4b18a1a2b020",
		Logging:   GetDefaultLoggingConfig(),
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	c := validConfig()
	assert.NoError(t, ValidateConfig(&c))
}

func TestValidateConfig_MissingPoolOrContainer(t *testing.T) {
	c := validConfig()
	c.Pool = ""
	assert.Error(t, ValidateConfig(&c))

	c = validConfig()
	c.Container = ""
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfig_LogRotate(t *testing.T) {
	c := validConfig()
	c.Logging.LogRotate.MaxFileSizeMb = 0
	assert.Error(t, ValidateConfig(&c))

	c = validConfig()
	c.Logging.LogRotate.BackupFileCount = -1
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfig_Severity(t *testing.T) {
	c := validConfig()
	c.Logging.Severity = "SHOUTING"
	assert.Error(t, ValidateConfig(&c))
}
