package fleet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpcsh/vpcsh/internal/errors"
	"github.com/vpcsh/vpcsh/internal/logger"
	sshtest "github.com/vpcsh/vpcsh/pkg/sshutil/testing"
)

var web1 = Target{ID: "i-0abc", Name: "web-1", Address: "10.0.3.17"}

func TestHostSession_FallsBackInOrder(t *testing.T) {
	m := sshtest.NewMockConnector().
		On(web1.Address, "u1", sshtest.Reject()).
		On(web1.Address, "u2", sshtest.Reject()).
		On(web1.Address, "u3", sshtest.Succeed(" 10:01:02 up 3 days\n", 0))

	s := NewHostSession(m, nil)
	outcome, tried := s.Run(context.Background(), web1, InlineCommand("uptime"), IdentityChain{"u1", "u2", "u3"}, false)

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Equal(t, " 10:01:02 up 3 days\n", string(outcome.Output))
	assert.Equal(t, []string{"u1", "u2", "u3"}, tried)
	assert.Equal(t, []string{"u1", "u2", "u3"}, m.UsersTried(web1.Address))

	runs := m.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "uptime", runs[0].Cmd)
	assert.Equal(t, "u3", runs[0].User)
}

func TestHostSession_StopsAtFirstSuccess(t *testing.T) {
	m := sshtest.NewMockConnector().On(web1.Address, "u1", sshtest.Succeed("ok\n", 0))

	s := NewHostSession(m, nil)
	_, tried := s.Run(context.Background(), web1, InlineCommand("true"), IdentityChain{"u1", "u2"}, false)

	assert.Equal(t, []string{"u1"}, tried)
	assert.Equal(t, 1, m.ConnectCount())
}

func TestHostSession_TransportFailureAborts(t *testing.T) {
	m := sshtest.NewMockConnector().
		On(web1.Address, "u1", sshtest.Behavior{ConnectErr: sshtest.ErrUnreachable}).
		On(web1.Address, "u2", sshtest.Succeed("never\n", 0))

	s := NewHostSession(m, nil)
	outcome, tried := s.Run(context.Background(), web1, InlineCommand("uptime"), IdentityChain{"u1", "u2", "u3"}, false)

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.True(t, errors.IsCode(outcome.Err, errors.ErrSSH))
	assert.Equal(t, []string{"u1"}, tried)
	assert.Equal(t, []string{"u1"}, m.UsersTried(web1.Address))
}

func TestHostSession_AuthExhausted(t *testing.T) {
	m := sshtest.NewMockConnector()

	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("%d identities", n), func(t *testing.T) {
			chain := make(IdentityChain, n)
			for i := range chain {
				chain[i] = fmt.Sprintf("user%d", i)
			}

			s := NewHostSession(m, nil)
			outcome, tried := s.Run(context.Background(), web1, InlineCommand("uptime"), chain, false)

			assert.Equal(t, OutcomeAuthExhausted, outcome.Kind)
			assert.Equal(t, []string(chain), tried)
			assert.True(t, errors.IsCode(outcome.Err, errors.ErrAuth))
			assert.Contains(t, outcome.Err.Error(), fmt.Sprintf("All %d", n))
		})
	}
}

func TestHostSession_NonZeroExitIsSuccess(t *testing.T) {
	m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Succeed("No such file\n", 2))

	s := NewHostSession(m, nil)
	outcome, _ := s.Run(context.Background(), web1, InlineCommand("ls /nope"), IdentityChain{"ec2-user"}, false)

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 2, outcome.ExitCode)
	assert.False(t, outcome.OK())
}

func TestHostSession_RunErrorIsTransport(t *testing.T) {
	m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Behavior{
		Response: sshtest.CommandResponse{Error: fmt.Errorf("ssh: unexpected packet in response to channel open")},
	})

	s := NewHostSession(m, nil)
	outcome, tried := s.Run(context.Background(), web1, InlineCommand("uptime"), IdentityChain{"a", "b"}, false)

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.Equal(t, []string{"a"}, tried)
}

func TestHostSession_Elevated(t *testing.T) {
	t.Run("wraps in sudo", func(t *testing.T) {
		m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Succeed("", 0))

		s := NewHostSession(m, nil)
		outcome, _ := s.Run(context.Background(), web1, InlineCommand("systemctl restart nginx"), IdentityChain{"ec2-user"}, true)

		assert.Equal(t, OutcomeSuccess, outcome.Kind)
		runs := m.Runs()
		require.Len(t, runs, 1)
		assert.Equal(t, "sudo -n -- sh -c 'systemctl restart nginx'", runs[0].Cmd)
	})

	t.Run("password prompt moves to next identity", func(t *testing.T) {
		m := sshtest.NewMockConnector().
			On(web1.Address, "deploy", sshtest.Succeed("sudo: a password is required\n", 1)).
			On(web1.Address, "ec2-user", sshtest.Succeed("restarted\n", 0))

		s := NewHostSession(m, nil)
		outcome, tried := s.Run(context.Background(), web1, InlineCommand("systemctl restart nginx"), IdentityChain{"deploy", "ec2-user"}, true)

		assert.Equal(t, OutcomeSuccess, outcome.Kind)
		assert.Equal(t, "restarted\n", string(outcome.Output))
		assert.Equal(t, []string{"deploy", "ec2-user"}, tried)
	})

	t.Run("password prompt on every identity", func(t *testing.T) {
		m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Succeed("sudo: a terminal is required to read the password\n", 1))

		s := NewHostSession(m, nil)
		outcome, tried := s.Run(context.Background(), web1, InlineCommand("id"), IdentityChain{"a", "b"}, true)

		assert.Equal(t, OutcomeAuthExhausted, outcome.Kind)
		assert.Len(t, tried, 2)
	})

	t.Run("command output mentioning a password is not a refusal", func(t *testing.T) {
		m := sshtest.NewMockConnector().OnHost(web1.Address,
			sshtest.Succeed("Oct 19 auth.log: a password is required for admin\n", 1))

		s := NewHostSession(m, nil)
		outcome, tried := s.Run(context.Background(), web1, InlineCommand("grep password /var/log/auth.log"), IdentityChain{"a", "b"}, true)

		assert.Equal(t, OutcomeSuccess, outcome.Kind)
		assert.Equal(t, 1, outcome.ExitCode)
		assert.Equal(t, []string{"a"}, tried)
	})

	t.Run("exit 1 without prompt is a normal failure", func(t *testing.T) {
		m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Succeed("grep: no match\n", 1))

		s := NewHostSession(m, nil)
		outcome, tried := s.Run(context.Background(), web1, InlineCommand("grep x /etc/hosts"), IdentityChain{"a", "b"}, true)

		assert.Equal(t, OutcomeSuccess, outcome.Kind)
		assert.Equal(t, 1, outcome.ExitCode)
		assert.Equal(t, []string{"a"}, tried)
	})
}

func TestHostSession_CommandTimeout(t *testing.T) {
	m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Behavior{BlockRun: true})

	s := NewHostSession(m, nil)
	s.CommandTimeout = 30 * time.Millisecond

	start := time.Now()
	outcome, tried := s.Run(context.Background(), web1, InlineCommand("sleep 600"), IdentityChain{"a", "b"}, false)

	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Contains(t, outcome.Err.Error(), "command_timeout")
	assert.Equal(t, []string{"a"}, tried)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHostSession_CancelledContext(t *testing.T) {
	m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Succeed("", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewHostSession(m, nil)
	outcome, tried := s.Run(ctx, web1, InlineCommand("uptime"), IdentityChain{"a"}, false)

	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Empty(t, tried)
	assert.Equal(t, 0, m.ConnectCount())
}

func TestHostSession_CancelDuringConnect(t *testing.T) {
	m := sshtest.NewMockConnector().OnHost(web1.Address, sshtest.Behavior{BlockConnect: true})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	s := NewHostSession(m, nil)
	outcome, tried := s.Run(ctx, web1, InlineCommand("uptime"), IdentityChain{"a", "b"}, false)

	assert.Equal(t, OutcomeTimedOut, outcome.Kind)
	assert.Equal(t, []string{"a"}, tried)
}

func TestHostSession_NoAddress(t *testing.T) {
	m := sshtest.NewMockConnector()

	s := NewHostSession(m, nil)
	outcome, tried := s.Run(context.Background(), Target{ID: "i-pending"}, InlineCommand("uptime"), IdentityChain{"a"}, false)

	assert.Equal(t, OutcomeSkipped, outcome.Kind)
	assert.Nil(t, tried)
	assert.Equal(t, 0, m.ConnectCount())
}

func TestHostSession_LogsAttemptsAtDebug(t *testing.T) {
	m := sshtest.NewMockConnector().On(web1.Address, "b", sshtest.Succeed("", 0))
	buf := logger.NewBufferLogger()

	s := NewHostSession(m, buf)
	s.Run(context.Background(), web1, InlineCommand("uptime"), IdentityChain{"a", "b"}, false)

	msgs := buf.Snapshot()
	require.NotEmpty(t, msgs)
	for _, msg := range msgs {
		assert.Equal(t, "debug", msg.Level)
		assert.Contains(t, msg.Message, "[session]")
	}
	assert.Contains(t, msgs[0].Message, "try a@10.0.3.17")
}

func TestSudoRefused(t *testing.T) {
	tests := []struct {
		output string
		code   int
		want   bool
	}{
		{"sudo: a password is required\n", 1, true},
		{"sudo: no tty present and no askpass program specified\n", 1, true},
		{"sudo: a password is required\n", 0, false},
		{"permission denied\n", 1, false},
		{"app.log: sudo: a password is required\n", 1, false},
		{"sudo: a password is required\nsudo: a password is required\n", 1, false},
		{"  sudo: a terminal is required to read the password\n", 1, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sudoRefused([]byte(tt.output), tt.code), "%q/%d", tt.output, tt.code)
	}
}
