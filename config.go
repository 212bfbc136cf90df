package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sockaudit/sockaudit/eventlog"
)

// Config is the resolved runtime configuration. Sources in ascending
// priority: built-in defaults, the config file, SOCKAUDIT_* environment
// variables, command-line flags.
type Config struct {
	BufferSize   int
	LineMax      int
	SimpleFormat bool
	SendEOF      bool

	WhitelistPath string
	DataDir       string
	RulesDir      string
	Listen        string
	BPFObject     string
	Enable        []string

	DropPrivileges bool
	Tail           bool
	Debug          bool
}

var (
	flagBufferSize int
	flagLineMax    int
	flagSimple     bool
	flagSendEOF    bool
	flagWhitelist  string
	flagDBDir      string
	flagRulesDir   string
	flagListen     string
	flagBPFObject  string
	flagEnable     []string
	flagDropPrivs  bool
	flagTail       bool
	flagDebug      bool
)

func registerFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.IntVar(&flagBufferSize, "buffer-size", eventlog.DefaultCapacity, "Event buffer capacity in bytes")
	f.IntVar(&flagLineMax, "line-max", eventlog.DefaultLineMax, "Maximum rendered line length")
	f.BoolVar(&flagSimple, "simple-format", false, "Short line prefix instead of the syslog one")
	f.BoolVar(&flagSendEOF, "send-eof", false, "Readers get EOF when drained instead of blocking")
	f.StringVar(&flagWhitelist, "whitelist", "", "Path to the whitelist rules file")
	f.StringVar(&flagDBDir, "db-dir", "data", "Directory for the SQLite archive")
	f.StringVar(&flagRulesDir, "rules-dir", "", "Sigma rules directory (empty disables detection)")
	f.StringVar(&flagListen, "listen", ":8080", "Web API listen address")
	f.StringVar(&flagBPFObject, "bpf-object", "", "Path to the compiled BPF object")
	f.StringSliceVar(&flagEnable, "enable", []string{"all"}, "Probe categories to enable at startup")
	f.BoolVar(&flagDropPrivs, "drop-privileges", false, "Drop to SUDO_USER after planting hooks")
	f.BoolVar(&flagTail, "tail", false, "Stream formatted events to stdout")
	f.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func loadConfig(cmd *cobra.Command) (*Config, error) {
	viper.SetDefault("buffer.size", eventlog.DefaultCapacity)
	viper.SetDefault("buffer.line_max", eventlog.DefaultLineMax)
	viper.SetDefault("format.simple", false)
	viper.SetDefault("format.send_eof", false)
	viper.SetDefault("whitelist.path", "")
	viper.SetDefault("database.dir", "data")
	viper.SetDefault("sigma.rules_dir", "")
	viper.SetDefault("web.listen", ":8080")
	viper.SetDefault("bpf.object", "")
	viper.SetDefault("probes.enable", []string{"all"})
	viper.SetDefault("privileges.drop", false)

	viper.SetEnvPrefix("SOCKAUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else if cmd.Flags().Changed("config") {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	cfg := &Config{
		BufferSize:     viper.GetInt("buffer.size"),
		LineMax:        viper.GetInt("buffer.line_max"),
		SimpleFormat:   viper.GetBool("format.simple"),
		SendEOF:        viper.GetBool("format.send_eof"),
		WhitelistPath:  viper.GetString("whitelist.path"),
		DataDir:        viper.GetString("database.dir"),
		RulesDir:       viper.GetString("sigma.rules_dir"),
		Listen:         viper.GetString("web.listen"),
		BPFObject:      viper.GetString("bpf.object"),
		Enable:         viper.GetStringSlice("probes.enable"),
		DropPrivileges: viper.GetBool("privileges.drop"),
	}

	// Flags win over everything when set explicitly.
	flags := cmd.Flags()
	if flags.Changed("buffer-size") {
		cfg.BufferSize = flagBufferSize
	}
	if flags.Changed("line-max") {
		cfg.LineMax = flagLineMax
	}
	if flags.Changed("simple-format") {
		cfg.SimpleFormat = flagSimple
	}
	if flags.Changed("send-eof") {
		cfg.SendEOF = flagSendEOF
	}
	if flags.Changed("whitelist") {
		cfg.WhitelistPath = flagWhitelist
	}
	if flags.Changed("db-dir") {
		cfg.DataDir = flagDBDir
	}
	if flags.Changed("rules-dir") {
		cfg.RulesDir = flagRulesDir
	}
	if flags.Changed("listen") {
		cfg.Listen = flagListen
	}
	if flags.Changed("bpf-object") {
		cfg.BPFObject = flagBPFObject
	}
	if flags.Changed("enable") {
		cfg.Enable = flagEnable
	}
	if flags.Changed("drop-privileges") {
		cfg.DropPrivileges = flagDropPrivs
	}
	cfg.Tail = flagTail
	cfg.Debug = flagDebug

	return cfg, nil
}
