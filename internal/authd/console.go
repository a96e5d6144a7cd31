package authd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/atinyakov/keygate/internal/models"
	"github.com/atinyakov/keygate/internal/session"
)

const consoleHelp = `Available commands:
  approve | reject | credential | cancel | negative   act on the showing prompt
  enroll <strong,weak,credential>                     enroll authenticators
  unenroll <strong,weak,credential>                   remove authenticators
  hw <ok|absent|unavailable|security_update>          set the sensor state
  status                                              show the device state
  help | exit`

// Console is the operator's stand-in for the person holding the device. It
// reads commands line by line and prints prompts as they are shown.
type Console struct {
	dev *Device
	in  io.Reader

	mu  sync.Mutex
	out io.Writer
}

// NewConsole attaches a console to dev.
func NewConsole(dev *Device, in io.Reader, out io.Writer) *Console {
	c := &Console{dev: dev, in: in, out: out}
	dev.OnPrompt(c.showPrompt)
	return c
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) showPrompt(req session.PromptRequest) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[prompt %s] %s\n", req.SessionID, req.Copy.Title)
	if req.Copy.Subtitle != "" {
		fmt.Fprintf(&b, "  %s\n", req.Copy.Subtitle)
	}
	if req.Copy.Description != "" {
		fmt.Fprintf(&b, "  %s\n", req.Copy.Description)
	}
	fmt.Fprintf(&b, "  accepts: %s", req.Allowed)
	if req.Copy.NegativeButton != "" {
		fmt.Fprintf(&b, ", negative button: %q", req.Copy.NegativeButton)
	}
	b.WriteString("\n")
	c.printf("%s", b.String())
}

// Run processes commands until the input ends or "exit" is read.
func (c *Console) Run() error {
	scanner := bufio.NewScanner(c.in)
	for {
		c.printf("authd> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			c.printf("Bye\n")
			return nil
		}
		c.exec(args)
	}
}

func (c *Console) exec(args []string) {
	switch args[0] {
	case "help":
		c.printf("%s\n", consoleHelp)
	case "status":
		b, _ := json.MarshalIndent(c.dev.Status(), "", "  ")
		c.printf("%s\n", b)
	case "hw":
		if len(args) < 2 {
			c.printf("Usage: hw <state>\n")
			return
		}
		h, err := ParseHardware(args[1])
		if err != nil {
			c.printf("%v\n", err)
			return
		}
		c.dev.SetHardware(h)
		c.printf("hardware: %s\n", h)
	case "enroll", "unenroll":
		if len(args) < 2 {
			c.printf("Usage: %s <authenticators>\n", args[0])
			return
		}
		a := models.ParseAuthenticators(args[1])
		if a == 0 {
			c.printf("no known authenticators in %q\n", args[1])
			return
		}
		if args[0] == "enroll" {
			c.dev.Enroll(a)
		} else {
			c.dev.Unenroll(a)
		}
		c.printf("enrolled: %s\n", c.dev.Status().Enrolled)
	default:
		action, err := ParseAction(args[0])
		if err != nil {
			c.printf("Unknown command. Type 'help' for a list of commands.\n")
			return
		}
		if err := c.dev.ResolvePending(action); err != nil {
			c.printf("%v\n", err)
			return
		}
		c.printf("ok\n")
	}
}
