package store

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/config"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/utils"
)

var (
	storeCalls    = metrics.NewCounter("broker_store_calls_total")
	storeFailures = metrics.NewCounter("broker_store_failures_total")
)

const terminator byte = 0x00

// Client reaches the sidecar over a fresh TCP connection per call. The
// sidecar's contract: a command terminated by a null byte, a plain-text reply
// terminated by a null byte. Mutations reply "done", query replies carry
// space-joined rows, and anything starting with "Error" is a sidecar error.
type Client struct {
	endpoint    string
	dialTimeout time.Duration
	opTimeout   time.Duration
}

func NewClient(cfg config.StoreConfig) *Client {
	c := &Client{
		endpoint:    cfg.Endpoint,
		dialTimeout: utils.ParseStringTime(cfg.DialTimeout),
		opTimeout:   utils.ParseStringTime(cfg.OpTimeout),
	}
	if c.dialTimeout == 0 {
		c.dialTimeout = 5 * time.Second
	}
	if c.opTimeout == 0 {
		c.opTimeout = 5 * time.Second
	}
	return c
}

// execute performs one command/reply exchange with the sidecar.
func (c *Client) execute(command string) (string, error) {
	storeCalls.Inc()

	conn, err := net.DialTimeout("tcp", c.endpoint, c.dialTimeout)
	if err != nil {
		storeFailures.Inc()
		return "", fmt.Errorf("store unreachable at %s: %w", c.endpoint, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.DebugF("Error closing store connection: %v", err)
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(c.opTimeout))

	if _, err := conn.Write(append([]byte(command), terminator)); err != nil {
		storeFailures.Inc()
		return "", fmt.Errorf("failed to send store command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(terminator)
	if err != nil {
		storeFailures.Inc()
		return "", fmt.Errorf("malformed store reply: %w", err)
	}
	reply = strings.TrimSuffix(reply, string(terminator))

	if strings.HasPrefix(strings.ToLower(reply), "error") {
		storeFailures.Inc()
		return "", fmt.Errorf("store error: %s", reply)
	}
	return reply, nil
}

// escape doubles single quotes so user-supplied strings cannot break out of
// the command's quoting.
func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (c *Client) FetchCredential(username string) (string, bool, error) {
	reply, err := c.execute(fmt.Sprintf(
		"SELECT password FROM Users WHERE username = '%s'", escape(username)))
	if err != nil {
		return "", false, err
	}
	if reply == "" {
		return "", false, nil
	}
	// first row only, the username column is unique
	passcode, _, _ := strings.Cut(reply, "\n")
	return passcode, true, nil
}

func (c *Client) SaveCredential(username, passcode string) error {
	_, err := c.execute(fmt.Sprintf(
		"INSERT INTO Users (username, password) VALUES ('%s', '%s')",
		escape(username), escape(passcode)))
	return err
}

func (c *Client) RecordLogin(username string) error {
	_, err := c.execute(fmt.Sprintf(
		"INSERT INTO Login_History (username) VALUES ('%s')", escape(username)))
	return err
}

func (c *Client) RecordLogout(username string) error {
	_, err := c.execute(fmt.Sprintf(
		"UPDATE Login_History SET logout_time = CURRENT_TIMESTAMP "+
			"WHERE username = '%s' AND logout_time IS NULL", escape(username)))
	return err
}

func (c *Client) RecordUpload(username, filename string) error {
	_, err := c.execute(fmt.Sprintf(
		"INSERT INTO Uploaded_Files (username, filename) VALUES ('%s', '%s')",
		escape(username), escape(filename)))
	return err
}
