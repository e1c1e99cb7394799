package channels

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/openwhale/openwhale/pkg/agent"
	"github.com/openwhale/openwhale/pkg/logger"
)

// CLIChannel is an interactive terminal chat for local use and
// debugging. Unlike the network channels it runs messages inline, so
// the prompt comes back only after the reply.
type CLIChannel struct {
	*BaseChannel
	rl *readline.Instance
}

func NewCLIChannel(processor *agent.Processor) *CLIChannel {
	return &CLIChannel{
		BaseChannel: NewBaseChannel("cli", processor, nil),
	}
}

// Run blocks until EOF or an interrupt on an empty line.
func (c *CLIChannel) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	c.rl = rl
	c.setRunning(true)
	defer c.setRunning(false)

	fmt.Println("OpenWhale interactive chat. /help for commands, Ctrl-D to exit.")

	callbacks := agent.Callbacks{
		SendText: func(text string) error {
			fmt.Printf("whale> %s\n", text)
			return nil
		},
		SendImage: func(path, caption string) error {
			if caption != "" {
				fmt.Printf("whale> [image: %s] %s\n", path, caption)
			} else {
				fmt.Printf("whale> [image: %s]\n", path)
			}
			return nil
		},
		SendDocument: func(path, caption string) error {
			fmt.Printf("whale> [file: %s]\n", path)
			return nil
		},
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		res := c.processor.ProcessMessage(ctx, agent.Request{
			Channel:   "cli",
			SenderID:  "local",
			Content:   line,
			Callbacks: callbacks,
		})
		if !res.Success && res.Err != nil {
			logger.WarnCF("cli", "Message processing failed", map[string]interface{}{"error": res.Err.Error()})
		}
	}
}

func (c *CLIChannel) Start(ctx context.Context) error {
	go func() {
		if err := c.Run(ctx); err != nil {
			logger.ErrorCF("cli", "Interactive chat stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

func (c *CLIChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}
