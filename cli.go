package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"rowhammer/log"
)

type (
	CLI struct {
		Hammer       Hammer       `cmd:"" help:"Hammer rows and report bit flips, optionally sweeping the hammer count."`
		Retention    Retention    `cmd:"" help:"Disable refresh for increasing times and count bit flips."`
		HCFirst      HCFirst      `cmd:"" name:"hcfirst" help:"Search the minimum hammer count flipping a bit, row by row."`
		MinRetention MinRetention `cmd:"" name:"min-retention" help:"Search the shortest unrefreshed time flipping a bit, per data pattern."`
		Sim          Sim          `cmd:"" help:"Serve a simulated board over rpc."`
		RowMap       RowMap       `cmd:"" name:"rowmap" help:"Translate logical rows to physical rows."`
		Decode       Decode       `cmd:"" help:"Decode DMA byte offsets into bank, row and column."`
		Version      Version      `cmd:"" help:"Show rowhammer version."`

		Config  string     `help:"Configuration file." type:"path" placeholder:"FILE"`
		Log     logModMask `help:"${log_help}" placeholder:"mod0,mod1,..."`
		Monitor string     `help:"${monitor_help}" placeholder:"HOST:PORT"`
	}

	// Board and attack settings shared by the attack commands. Unset flags
	// keep the configuration file values.
	AttackFlags struct {
		Target          string `help:"Board rpc address." placeholder:"HOST:PORT"`
		Strategy        string `help:"Hammering engine: bist or payload."`
		Mapping         string `help:"${mapping_help}"`
		Bank            int    `help:"Bank to attack." default:"-1"`
		Column          int    `help:"Column of the hammered addresses." default:"-1"`
		Pattern         string `help:"${pattern_help}"`
		NoRefresh       bool   `name:"no-refresh" help:"Disable refresh while hammering."`
		NoVerifyInitial bool   `name:"no-verify-initial" help:"Skip the memory check before attacking."`
	}

	SweepFlags struct {
		Repeats int    `help:"Trials per value (default from config)."`
		OutDir  string `name:"out" help:"Output directory for results." type:"path"`
		Resume  string `help:"Resume from a checkpoint file." type:"existingfile"`
	}

	SearchFlags struct {
		Min           uint64 `help:"Lower search bound."`
		Max           uint64 `help:"Upper search bound."`
		MaxIterations int    `name:"max-iterations" help:"Bisection probes cap, 0 for none." default:"-1"`
		Precision     uint64 `help:"Stop bisecting below this bracket width."`
		ProbeRepeats  int    `name:"probe-repeats" help:"Attacks per probe."`
		Rule          string `help:"Probe decision rule: any or majority."`
	}

	Hammer struct {
		AttackFlags
		SweepFlags
		Rows   []int    `help:"Logical rows to hammer." required:""`
		Counts []uint64 `name:"count" help:"Total hammer counts to sweep." default:"1000000"`
	}

	Retention struct {
		AttackFlags
		SweepFlags
		Start float64 `help:"First hold time, in seconds." default:"1"`
		End   float64 `help:"Last hold time, in seconds." default:"60"`
		Steps int     `help:"Number of hold times." default:"10"`
	}

	HCFirst struct {
		AttackFlags
		SweepFlags
		SearchFlags
		Targets  []string `help:"Boards to spread rows over (default: config board.targets)." placeholder:"HOST:PORT,..."`
		StartRow int      `name:"start-row" help:"First row." default:"0"`
		NRows    int      `name:"nrows" help:"Number of rows." default:"1"`
		RowJump  int      `name:"row-jump" help:"Distance between tested rows." default:"1"`
		Sided    string   `help:"Hammer the row itself (single) or both its neighbors (double)." enum:"single,double" default:"single"`
	}

	MinRetention struct {
		AttackFlags
		SweepFlags
		SearchFlags
		Patterns []string `help:"Data patterns to test." default:"all_0,all_1,01_in_row,01_per_row,rand_per_row"`
	}

	Sim struct {
		Addr        string `help:"Listen address (default from config)." placeholder:"HOST:PORT"`
		Mapping     string `help:"${mapping_help}"`
		RandomWeak  int    `name:"random-weak" help:"Random hammer-sensitive cells." default:"-1"`
		RandomLeaky int    `name:"random-leaky" help:"Random leaky cells." default:"-1"`
		Seed        uint64 `help:"Random fault seed (default from config)."`
	}

	RowMap struct {
		Mapping string `help:"${mapping_help}"`
		Inverse bool   `help:"Translate physical rows to logical rows."`
		Rows    []int  `arg:"" help:"Rows to translate."`
	}

	Decode struct {
		Offsets []string `arg:"" help:"DMA byte offsets (0x prefix for hex)."`
	}

	Version struct{}
)

var vars = kong.Vars{
	"log_help":     "Enable logging for specified modules.",
	"monitor_help": "Serve /metrics and a /ws progress stream on this address.",
	"mapping_help": "Row mapping: trivial, type-a, type-b, samsung or samsung-group.",
	"pattern_help": "Data pattern: all_0, all_1, 01_in_row, 01_per_row, rand_per_row or a 0x word.",
}

func parseArgs(args []string) (CLI, string) {
	var cfg CLI
	parser, err := kong.New(&cfg,
		kong.Name("rowhammer"),
		kong.Description("DRAM Rowhammer and retention characterization."),
		kong.UsageOnError(),
		kong.Help(printHelp),
		vars)
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args)
	checkf(err, "failed to parse command line")
	checkf(ctx.Error, "failed to parse command line")
	return cfg, strings.Fields(ctx.Command())[0]
}

func printHelp(options kong.HelpOptions, ctx *kong.Context) error {
	if err := kong.DefaultHelpPrinter(options, ctx); err != nil {
		return err
	}
	if ctx.Command() == "" {
		return nil
	}
	loggingHelp := `
Log modules:
  The --log flag accepts a comma-separated list of modules.

  Valid log modules are:
%s

  As a special case, the following values are accepted:
    - no                     Disable all logging.
    - all                    Enable all logs.
`
	var strs []string
	for _, m := range log.ModuleNames() {
		strs = append(strs, "    - "+m)
	}
	fmt.Fprintf(os.Stderr, loggingHelp, strings.Join(strs, "\n"))
	return nil
}

type logModMask log.ModuleMask

// Decode decodes a comma-separated list of module names into a module mask.
//
// Implements kong.MapperValue interface.
func (lm logModMask) Decode(ctx *kong.DecodeContext) error {
	nolog := false
	allLogs := false

	tok := ctx.Scan.Pop()
	for _, v := range strings.Split(tok.Value.(string), ",") {
		switch v {
		case "all":
			allLogs = true
		case "no":
			nolog = true
		default:
			mod, ok := log.ModuleByName(v)
			if !ok {
				return fmt.Errorf("unknown log module %s", v)
			}
			lm |= logModMask(mod.Mask())
		}
	}

	if nolog {
		if allLogs {
			return fmt.Errorf("cannot use 'all' and 'no' together")
		}
		if lm != 0 {
			return fmt.Errorf("cannot combine 'no' with other log modules")
		}
		log.Disable()
		return nil
	}

	if allLogs {
		lm = logModMask(log.ModuleMaskAll)
	}

	log.EnableDebugModules(log.ModuleMask(lm))
	return nil
}

func checkf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	fatalf(format+".\n"+err.Error(), args...)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal error:")
	fmt.Fprintf(os.Stderr, "\n\t%s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
