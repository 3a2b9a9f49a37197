package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/config"
	"github.com/vpcsh/vpcsh/internal/errors"
)

func TestInit_NonInteractive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpcsh", "config.yaml")
	var out bytes.Buffer

	err := Init(InitOptions{
		Path:           path,
		Users:          []string{"ec2-user, ubuntu"},
		Region:         " eu-west-1 ",
		NonInteractive: true,
	}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Created "+path)
	assert.Contains(t, out.String(), "Next steps:")

	cfg, err := config.Load(config.NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ec2-user", "ubuntu"}, cfg.RemoteUser)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, config.DefaultConfig().Timeout, cfg.Timeout)
}

func TestInit_NoUsersHintsAtRemoteUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer

	require.NoError(t, Init(InitOptions{Path: path, NonInteractive: true}, &out))
	assert.Contains(t, out.String(), "vpcsh config set remote_user")
}

func TestInit_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote_user: [admin]\n"), 0600))

	t.Run("refuses without force", func(t *testing.T) {
		var out bytes.Buffer
		err := Init(InitOptions{Path: path, Users: []string{"ubuntu"}, NonInteractive: true}, &out)

		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrConfig))
		assert.Contains(t, err.Error(), "already exists")

		data, _ := os.ReadFile(path)
		assert.Contains(t, string(data), "admin", "file is left alone")
	})

	t.Run("overwrites with force", func(t *testing.T) {
		var out bytes.Buffer
		err := Init(InitOptions{Path: path, Users: []string{"ubuntu"}, Overwrite: true, NonInteractive: true}, &out)
		require.NoError(t, err)

		cfg, err := config.Load(config.NewViper(), path)
		require.NoError(t, err)
		assert.Equal(t, []string{"ubuntu"}, cfg.RemoteUser)
	})
}

func TestInit_RejectsBadUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	err := Init(InitOptions{Path: path, Users: []string{"root@host"}, NonInteractive: true}, &bytes.Buffer{})

	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "nothing written on a bad config")
}

func TestShowConfig_MasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`remote_user: [ec2-user]
timeout: 45s
aws:
  region: us-west-2
  access_key_id: AKIAEXAMPLE
  secret_access_key: hunter2
`), 0600))

	oldFile, oldSettings := cfgFile, settings
	defer func() { cfgFile, settings = oldFile, oldSettings }()
	cfgFile = path
	settings = config.NewViper()

	var out bytes.Buffer
	require.NoError(t, showConfig(&out))

	s := out.String()
	assert.Contains(t, s, "# "+path)
	assert.Contains(t, s, "us-west-2")
	assert.Contains(t, s, "timeout: 45s")
	assert.Contains(t, s, "********")
	assert.NotContains(t, s, "hunter2")
}

func TestConfigPath(t *testing.T) {
	old := cfgFile
	defer func() { cfgFile = old }()

	cfgFile = "/etc/vpcsh.yaml"
	assert.Equal(t, "/etc/vpcsh.yaml", configPath())

	cfgFile = ""
	assert.Equal(t, config.DefaultPath(), configPath())
}
