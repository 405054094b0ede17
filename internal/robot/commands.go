package robot

import (
	"strconv"
	"strings"
)

// Request command tokens understood by the robot firmware.
const (
	CmdPing   = "PING"
	CmdHelp   = "HELP"
	CmdStatus = "STATUS"
	CmdSetV   = "V"
	CmdMove   = "M"
	CmdRotate = "R"
	CmdStop   = "S"
	CmdSonar  = "B"
	CmdIR     = "I"
)

// Response command tokens.
const (
	CmdACK  = "ACK"
	CmdNACK = "NACK"

	// NackBadChecksum is the NACK reason the firmware sends when the request
	// frame failed its checksum. It is the only NACK that is retried.
	NackBadChecksum = "BAD_CS"
)

// DefaultPayload is sent with commands that take no argument. The firmware
// expects a non-empty payload field.
const DefaultPayload = " "

// CommandInfo describes one request token.
type CommandInfo struct {
	Token   string
	Numeric bool
	Usage   string
	Help    string
}

// Commands lists every request token in the order shown by help output.
var Commands = []CommandInfo{
	{CmdPing, false, "ping", "health check"},
	{CmdHelp, false, "help", "firmware help text"},
	{CmdStatus, false, "status", "robot status"},
	{CmdSetV, true, "v <0..255>", "set linear speed (PWM)"},
	{CmdMove, true, "m <cm>", "move by centimeters (+forward, -back)"},
	{CmdRotate, true, "r <deg>", "rotate by degrees (+right, -left)"},
	{CmdStop, false, "s", "emergency stop"},
	{CmdSonar, false, "b", "sonar read (cm)"},
	{CmdIR, false, "i", "IR sensor read"},
}

// LookupCommand returns the CommandInfo for token, matched case-insensitively.
func LookupCommand(token string) (CommandInfo, bool) {
	token = strings.ToUpper(strings.TrimSpace(token))
	for _, c := range Commands {
		if c.Token == token {
			return c, true
		}
	}
	return CommandInfo{}, false
}

// ParseToken splits a raw "CMD" or "CMD:payload" token. The command is upper
// cased; both halves are trimmed.
func ParseToken(token string) (cmd, payload string) {
	token = strings.TrimSpace(token)
	if c, p, ok := strings.Cut(token, ":"); ok {
		return strings.ToUpper(strings.TrimSpace(c)), strings.TrimSpace(p)
	}
	return strings.ToUpper(token), ""
}

func (c *Client) Ping() (string, error)   { return c.Request(CmdPing, DefaultPayload) }
func (c *Client) Help() (string, error)   { return c.Request(CmdHelp, DefaultPayload) }
func (c *Client) Status() (string, error) { return c.Request(CmdStatus, DefaultPayload) }
func (c *Client) Stop() (string, error)   { return c.Request(CmdStop, DefaultPayload) }
func (c *Client) Sonar() (string, error)  { return c.Request(CmdSonar, DefaultPayload) }
func (c *Client) IR() (string, error)     { return c.Request(CmdIR, DefaultPayload) }

// SetV sets the drive PWM. The value is not range checked here.
func (c *Client) SetV(pwm int) (string, error) {
	return c.Request(CmdSetV, strconv.Itoa(pwm))
}

// MoveCM drives cm centimetres, negative values reverse.
func (c *Client) MoveCM(cm int) (string, error) {
	return c.Request(CmdMove, strconv.Itoa(cm))
}

// RotateDeg turns in place by deg degrees, positive is clockwise.
func (c *Client) RotateDeg(deg int) (string, error) {
	return c.Request(CmdRotate, strconv.Itoa(deg))
}
