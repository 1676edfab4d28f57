package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `uoe:
  node:
    mac: "02:00:5e:00:00:01"
    ip: "192.168.1.10"
  link:
    type: pipe
  arp:
    static_entries:
      - ip: "192.168.1.1"
        mac: "02:00:5e:00:00:02"
`

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uoe.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	rootCmd.SetArgs([]string{"validate", "-c", path})
	require.NoError(t, rootCmd.Execute())
}

func TestRunCommandRejectsMissingConfig(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "absent.yml")
	require.Error(t, runEngine())
}
