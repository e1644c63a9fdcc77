package config

import (
	"fmt"
	"log"
	"time"

	"github.com/I-Missha/gonet_pace/upoll"
	"github.com/I-Missha/gonet_pace/uwire"
)

const (
	// defaults for when not provided in Config
	Address        string        = "127.0.0.1:8080"
	Rate           uint32        = 10 // Hz
	PacketSize     uint32        = uwire.DefaultPacketSize
	MaxConnections uint32        = 10000
	ResetDelay     time.Duration = time.Second
	PollMode       string        = "busy"
	PollTimeout    time.Duration = time.Millisecond * 10
	EventCapacity  uint16        = 1024
	CPU            int           = 7
	LogPrefix      string        = "Server"
)

type Config struct {
	Address        string
	Rate           uint32 // packets per second per connection
	PacketSize     uint32
	MaxConnections uint32 // must stay below upoll.ListenerToken
	ResetDelay     time.Duration
	PollMode       string
	PollTimeout    time.Duration
	EventCapacity  uint16
	CPU            int // negative disables pinning

	MetricsAddress string // empty disables the admin endpoint

	LogPrefix string
	LogDebug  bool
}

// Default returns a Config with every field at its default.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	c.CPU = CPU
	return c
}

// ApplyDefaults fills zero fields. CPU is left alone since 0 is a valid core.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = Address
	}
	if c.Rate == 0 {
		c.Rate = Rate
	}
	if c.PacketSize == 0 {
		c.PacketSize = PacketSize
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = MaxConnections
	}
	if c.ResetDelay == 0 {
		c.ResetDelay = ResetDelay
	}
	if c.PollMode == "" {
		c.PollMode = PollMode
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = PollTimeout
	}
	if c.EventCapacity == 0 {
		c.EventCapacity = EventCapacity
	}
	if c.LogPrefix == "" {
		c.LogPrefix = LogPrefix
	}
}

// Period is the minimum spacing between two packets on one connection.
func (c *Config) Period() time.Duration {
	if c.Rate == 0 {
		return time.Second / time.Duration(Rate)
	}
	return time.Second / time.Duration(c.Rate)
}

func (c *Config) Mode() upoll.Mode {
	m, _ := upoll.ParseMode(c.PollMode)
	return m
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Address == "" {
		err := fmt.Errorf("invalid Address=%s", c.Address)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Rate == 0 || time.Second/time.Duration(c.Rate) == 0 {
		err := fmt.Errorf("invalid Rate=%d", c.Rate)
		log.Printf("%s", err.Error())
		return err
	}

	if c.PacketSize < uwire.StampSize {
		err := fmt.Errorf("invalid PacketSize=%d, must hold a %d byte timestamp", c.PacketSize, uwire.StampSize)
		log.Printf("%s", err.Error())
		return err
	}

	if uint64(c.MaxConnections) >= uint64(upoll.ListenerToken) {
		err := fmt.Errorf("invalid MaxConnections=%d, token space is %d", c.MaxConnections, upoll.ListenerToken)
		log.Printf("%s", err.Error())
		return err
	}

	if c.ResetDelay < 0 {
		err := fmt.Errorf("invalid ResetDelay=%s", c.ResetDelay)
		log.Printf("%s", err.Error())
		return err
	}

	if _, err := upoll.ParseMode(c.PollMode); err != nil {
		err = fmt.Errorf("invalid PollMode=%s: %w", c.PollMode, err)
		log.Printf("%s", err.Error())
		return err
	}

	if c.PollTimeout < 0 {
		err := fmt.Errorf("invalid PollTimeout=%s", c.PollTimeout)
		log.Printf("%s", err.Error())
		return err
	}

	if c.EventCapacity == 0 {
		err := fmt.Errorf("invalid EventCapacity=%d", c.EventCapacity)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}
