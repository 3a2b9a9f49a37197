package clean

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/errors"
)

const (
	runA = "3f9c2a1b-0000-4000-8000-000000000001"
	runB = "3f9c2a1b-0000-4000-8000-000000000002"
)

func TestCommand(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "remove older than an hour",
			opts: Options{Dir: "/tmp/vpcsh", OlderThan: time.Hour},
			want: "[ -d '/tmp/vpcsh' ] || exit 0; find '/tmp/vpcsh' -mindepth 1 -maxdepth 1 -type d " +
				"-name '????????-????-????-????-????????????' -mmin +60 -print -exec rm -rf {} +",
		},
		{
			name: "dry run lists only",
			opts: Options{Dir: "/tmp/vpcsh", OlderThan: 90 * time.Second, DryRun: true},
			want: "[ -d '/tmp/vpcsh' ] || exit 0; find '/tmp/vpcsh' -mindepth 1 -maxdepth 1 -type d " +
				"-name '????????-????-????-????-????????????' -mmin +1 -print",
		},
		{
			name: "any age, trailing slash cleaned",
			opts: Options{Dir: "/var/tmp/vpcsh/"},
			want: "[ -d '/var/tmp/vpcsh' ] || exit 0; find '/var/tmp/vpcsh' -mindepth 1 -maxdepth 1 -type d " +
				"-name '????????-????-????-????-????????????' -print -exec rm -rf {} +",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Command(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.Inline)
			assert.NoError(t, cmd.Validate())
		})
	}
}

func TestCommand_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		errContains string
	}{
		{"relative", Options{Dir: "tmp/vpcsh"}, "absolute"},
		{"home", Options{Dir: "~/vpcsh"}, "absolute"},
		{"root", Options{Dir: "/"}, "too close to the root"},
		{"top level", Options{Dir: "/tmp"}, "too close to the root"},
		{"dot dot", Options{Dir: "/tmp/.."}, "too close to the root"},
		{"negative age", Options{Dir: "/tmp/vpcsh", OlderThan: -time.Minute}, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Command(tt.opts)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParse(t *testing.T) {
	out := "/tmp/vpcsh/" + runA + "\n" +
		"find: '/tmp/vpcsh/lost+found': Permission denied\n" +
		"\n" +
		"/tmp/vpcsh/" + runB + "\n" +
		"/tmp/vpcsh/not-a-run\n" +
		"/tmp/other/" + runA + "\n" +
		"/tmp/vpcsh/" + runA + "/script\n"

	dirs := Parse("/tmp/vpcsh", []byte(out))
	assert.Equal(t, []StaleDir{
		{Path: "/tmp/vpcsh/" + runA, RunID: runA},
		{Path: "/tmp/vpcsh/" + runB, RunID: runB},
	}, dirs)
}

func TestParse_Empty(t *testing.T) {
	assert.Nil(t, Parse("/tmp/vpcsh", nil))
	assert.Nil(t, Parse("/tmp/vpcsh", []byte("\n\n")))
}

func TestValidateRemovalTarget(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		dir     string
		wantErr bool
	}{
		{"run dir", "/tmp/vpcsh/" + runA, "/tmp/vpcsh", false},
		{"dir with trailing slash", "/tmp/vpcsh/" + runA, "/tmp/vpcsh/", false},
		{"staging dir itself", "/tmp/vpcsh", "/tmp/vpcsh", true},
		{"nested", "/tmp/vpcsh/x/" + runA, "/tmp/vpcsh", true},
		{"traversal", "/tmp/vpcsh/../" + runA, "/tmp/vpcsh", true},
		{"not a uuid", "/tmp/vpcsh/cache", "/tmp/vpcsh", true},
		{"too shallow", "/" + runA, "/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRemovalTarget(tt.path, tt.dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
