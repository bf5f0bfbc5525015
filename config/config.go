// Package config loads the rowhammer configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kirsle/configdir"

	"rowhammer/attack"
	"rowhammer/board"
	"rowhammer/dram"
	"rowhammer/experiment"
	"rowhammer/log"
	"rowhammer/payload"
	"rowhammer/scan"
	"rowhammer/search"
	"rowhammer/sim"
)

type Config struct {
	Board      BoardConfig      `toml:"board"`
	Geometry   dram.Geometry    `toml:"geometry"`
	Layout     board.Layout     `toml:"layout"` // zero value: derived from geometry
	Attack     AttackConfig     `toml:"attack"`
	Search     search.Config    `toml:"search"`
	Experiment ExperimentConfig `toml:"experiment"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Sim        SimConfig        `toml:"sim"`
}

type BoardConfig struct {
	// Targets are the rpc addresses of the boards. Commands that drive a
	// single board use the first one.
	Targets  []string        `toml:"targets"`
	Strategy string          `toml:"strategy"`
	Mapping  dram.RowMapping `toml:"mapping"`
	// Module selects a predefined geometry, overriding [geometry].
	Module  string        `toml:"module"`
	Timeout time.Duration `toml:"timeout"` // per transport call
}

type AttackConfig struct {
	Bank            int            `toml:"bank"`
	Column          int            `toml:"column"`
	Pattern         scan.Pattern   `toml:"pattern"`
	RefreshDisabled bool           `toml:"no_refresh"`
	VerifyInitial   bool           `toml:"verify_initial"`
	PollInterval    time.Duration  `toml:"poll_interval"`
	Timeout         time.Duration  `toml:"timeout"`
	Payload         payload.Timing `toml:"payload"`
}

type ExperimentConfig struct {
	experiment.Config
	OutDir string `toml:"out_dir"` // checkpoints and summaries
}

type MonitorConfig struct {
	Addr string `toml:"addr"` // empty disables the monitor
}

type SimConfig struct {
	Addr          string          `toml:"addr"`
	PollsPerBurst int             `toml:"polls_per_burst"`
	Faults        sim.FaultModel  `toml:"faults"`
	RandomWeak    int             `toml:"random_weak"`
	RandomLeaky   int             `toml:"random_leaky"`
	Seed          uint64          `toml:"seed"`
	Mapping       dram.RowMapping `toml:"mapping"`
}

func Default() Config {
	return Config{
		Board: BoardConfig{
			Targets:  []string{"localhost:7070"},
			Strategy: "bist",
			Mapping:  dram.TrivialMapping,
			Timeout:  10 * time.Second,
		},
		Geometry: sim.DefaultGeometry,
		Attack: AttackConfig{
			Pattern:       scan.Pattern{Kind: scan.Pattern01InRow},
			VerifyInitial: true,
			PollInterval:  attack.DefaultPollInterval,
			Timeout:       attack.DefaultAttackTimeout,
			Payload:       payload.DefaultTiming,
		},
		Search:     search.DefaultConfig(),
		Experiment: ExperimentConfig{Config: experiment.DefaultConfig(), OutDir: "."},
		Sim: SimConfig{
			Addr:          "localhost:7070",
			PollsPerBurst: sim.DefaultConfig().PollsPerBurst,
			Seed:          1,
		},
	}
}

// Dir is the rowhammer directory in the user configuration directory.
var Dir = sync.OnceValue(func() string {
	dir := configdir.LocalConfig("rowhammer")
	if err := configdir.MakePath(dir); err != nil {
		log.ModMain.FatalZ("failed to create directory").String("dir", dir).Error("err", err).End()
	}
	return dir
})

const filename = "config.toml"

// DefaultPath is the configuration file used when none is given.
func DefaultPath() string { return filepath.Join(Dir(), filename) }

// LoadOrDefault loads the configuration from path on top of the defaults. A
// missing file yields the defaults.
func LoadOrDefault(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		log.ModMain.WarnZ("unknown config keys").String("file", path).String("keys", fmt.Sprint(undec)).End()
	}
	return cfg, cfg.Validate()
}

// Save writes cfg to path.
func Save(path string, cfg Config) error {
	buf, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}

// Geom returns the module geometry, honoring board.module.
func (c Config) Geom() (dram.Geometry, error) {
	if c.Board.Module == "" {
		return c.Geometry, nil
	}
	g, ok := dram.Modules[c.Board.Module]
	if !ok {
		return dram.Geometry{}, fmt.Errorf("unknown module %q", c.Board.Module)
	}
	return g, nil
}

// BoardLayout returns the board memory map, derived from the geometry when
// the layout section is absent.
func (c Config) BoardLayout() (board.Layout, error) {
	if c.Layout != (board.Layout{}) {
		return c.Layout, nil
	}
	g, err := c.Geom()
	if err != nil {
		return board.Layout{}, err
	}
	return board.DefaultLayout(g.Size()), nil
}

// Strategy builds the configured attack strategy.
func (c Config) Strategy() (attack.Strategy, error) {
	s, err := attack.ParseStrategy(c.Board.Strategy)
	if err != nil {
		return nil, err
	}
	if pe, ok := s.(attack.PayloadExecutor); ok {
		pe.Timing = c.Attack.Payload
		s = pe
	}
	return s, nil
}

func (c Config) Validate() error {
	g, err := c.Geom()
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	l, err := c.BoardLayout()
	if err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}
	if len(c.Board.Targets) == 0 {
		return errors.New("board.targets is empty")
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	return c.Search.Validate()
}
