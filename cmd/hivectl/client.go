package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kandoo/activebee"
	"github.com/kandoo/activebee/examples/counter"
)

var spawnID string

var spawnCmd = &cobra.Command{
	Use:   "spawn [class]",
	Short: "Spawn a unit on the hive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		class := counter.Class
		if len(args) == 1 {
			class = args[0]
		}
		return withClient(func(ctx context.Context, h activebee.Hive) error {
			var opts []activebee.SpawnOption
			if spawnID != "" {
				opts = append(opts, activebee.WithID(spawnID))
			}
			s, err := h.SpawnAt(ctx, targetLocation(), class, opts...)
			if err != nil {
				return err
			}
			fmt.Println(s.ID())
			return nil
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <unit> <method> [args...]",
	Short: "Call a method of a unit and print its result",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, h activebee.Hive) error {
			v, err := unitStub(h, args[0]).CallSync(ctx, args[1],
				parseArgs(args[2:])...)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <unit> <method> [args...]",
	Short: "Send a one-way call to a unit",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, h activebee.Hive) error {
			return unitStub(h, args[0]).Send(args[1], parseArgs(args[2:])...)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <unit> <location>",
	Short: "Migrate a unit to the hive at location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, h activebee.Hive) error {
			return unitStub(h, args[0]).Migrate(ctx, args[1])
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the hive is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, h activebee.Hive) error {
			if err := h.Ping(ctx, targetLocation()); err != nil {
				return err
			}
			fmt.Printf("%v is alive\n", targetLocation())
			return nil
		})
	},
}

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "List the units of the hive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, "GET",
			"http://"+hiveAddr+"/api/v1/units", nil)
		if err != nil {
			return err
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("%v responded %v", hiveAddr, res.Status)
		}

		var units []activebee.UnitInfo
		if err := json.NewDecoder(res.Body).Decode(&units); err != nil {
			return err
		}
		printUnits(units)
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnID, "id", "", "id of the unit")
}

func targetLocation() string {
	if hiveLoc != "" {
		return hiveLoc
	}
	return hiveAddr
}

// withClient runs f on a client hive that can reach the target hive and
// receive its replies.
func withClient(f func(ctx context.Context, h activebee.Hive) error) error {
	cfg, err := loadConfig(activebee.DefaultCfg, configPath, environ())
	if err != nil {
		return err
	}

	h := activebee.NewHiveWithConfig(cfg,
		activebee.Addr("127.0.0.1:0"),
		activebee.Location(fmt.Sprintf("hivectl-%d", os.Getpid())),
		activebee.Locations(map[string]string{targetLocation(): hiveAddr}))
	counter.Register(h)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Start() }()
	defer func() {
		h.Stop()
		<-errCh
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.WaitStarted(ctx); err != nil {
		return fmt.Errorf("client hive did not start: %w", err)
	}
	return f(ctx, h)
}

func unitStub(h activebee.Hive, id string) *activebee.Stub {
	return h.Stub(activebee.UnitRef{ID: id, Location: targetLocation()})
}

// parseArgs turns command line arguments into call arguments. Integers are
// passed as ints, everything else as strings.
func parseArgs(args []string) []interface{} {
	vs := make([]interface{}, 0, len(args))
	for _, a := range args {
		if i, err := strconv.Atoi(a); err == nil {
			vs = append(vs, i)
			continue
		}
		vs = append(vs, a)
	}
	return vs
}

func printUnits(units []activebee.UnitInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLASS\tSTATUS\tPENDING\tFORWARD\tERROR")
	for _, u := range units {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n", u.ID, u.Class, u.Status,
			u.Pending, u.Forward, u.Err)
	}
	w.Flush()
}
