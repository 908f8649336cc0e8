package main

import (
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/kandoo/activebee"
	"github.com/kandoo/activebee/examples/counter"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a hive hosting the counter class",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(activebee.DefaultCfg, configPath, environ())
		if err != nil {
			return err
		}

		h := activebee.NewHiveWithConfig(cfg, activebee.HandleSignals(true))
		counter.Register(h)
		glog.Infof("serving %v on %v", h.Location(), cfg.Addr)
		return h.Start()
	},
}

// environ returns the ACTIVEBEE_* variables of the process.
func environ() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, envPrefix) {
			m[k] = v
		}
	}
	return m
}
