package svcd

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// NotifySocketEnvVar is the environment variable a Notify-type service
// consults to find its notification datagram socket (spec.md §6).
const NotifySocketEnvVar = "NOTIFY_SOCKET"

// createNotifySocket creates the AF_UNIX SOCK_DGRAM the service will
// write READY=1/STATUS=... lines to, rooted under dir.
func createNotifySocket(dir, unitName string) (*net.UnixConn, string, error) {
	path := fmt.Sprintf("%s/notify-%s-%d.sock", dir, unitName, time.Now().UnixNano())
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, "", fmt.Errorf("creating notification socket: %w", err)
	}
	return conn, path, nil
}

// waitForReady blocks reading newline-terminated KEY=VALUE datagrams
// off conn until a READY=1 line arrives, a deadline elapses, or the
// connection is closed out from under it (used to cancel the wait on
// timeout from the caller). STATUS=... lines are appended to
// statusMsgs as they're seen; unrecognized keys are ignored (spec.md
// §6).
func waitForReady(conn *net.UnixConn, deadline time.Duration, statusMsgs *[]string) error {
	if deadline > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
	}

	for {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("timed out waiting for READY=1")
			}
			return fmt.Errorf("reading notification socket: %w", err)
		}
		ready := false
		scanner := bufio.NewScanner(strings.NewReader(string(buf[:n])))
		for scanner.Scan() {
			line := scanner.Text()
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch key {
			case "READY":
				if value == "1" {
					ready = true
				}
			case "STATUS":
				*statusMsgs = append(*statusMsgs, value)
			}
		}
		if ready {
			return nil
		}
	}
}

func removeNotifySocket(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
