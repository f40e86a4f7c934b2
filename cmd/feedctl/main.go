// feedctl is the operator CLI for the datafeed system. It acts through
// the admin service against the same database and Redis as the daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/hibiken/asynq"
	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"

	"github.com/ammoindex/datafeed/admin"
	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/queue"
	"github.com/ammoindex/datafeed/store"
)

var Config = new(struct {
	Database struct {
		DSN string `long:"dsn" env:"DSN" default:"postgres://localhost:5432/datafeed?sslmode=disable" description:"Postgres connection string"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Redis struct {
		Addr string `long:"addr" env:"ADDR" default:"localhost:6379" description:"Redis address"`
		DB   int    `long:"db" env:"DB" default:"0" description:"Redis database number"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	NoColor bool `long:"no-color" env:"NO_COLOR" description:"Disable colored output"`
})

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	faint  = color.New(color.Faint)
)

// session bundles the handles a command needs.
type session struct {
	store *store.Store
	admin *admin.Service
	close func()
}

func open(ctx context.Context) (*session, error) {
	if Config.NoColor {
		color.NoColor = true
	}
	st, err := store.Open(ctx, Config.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	var client = asynq.NewClient(asynq.RedisClientOpt{
		Addr: Config.Redis.Addr, DB: Config.Redis.DB,
	})
	var rdb = redis.NewClient(&redis.Options{
		Addr: Config.Redis.Addr, DB: Config.Redis.DB,
	})

	return &session{
		store: st,
		admin: admin.NewService(st, queue.NewEnqueuer(client), nil, rdb),
		close: func() {
			client.Close()
			rdb.Close()
			st.Close()
		},
	}, nil
}

// report prints an admin result and converts failures into a non-zero
// exit through the flags error path.
func report(res admin.Result) error {
	if res.Success {
		green.Print("ok  ")
		fmt.Println(res.Message)
		return nil
	}
	red.Print("err ")
	fmt.Println(res.Error)
	return errors.New(res.Error)
}

// withSession runs fn against an open session.
func withSession(fn func(ctx context.Context, s *session) error) error {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

type feedArg struct {
	Args struct {
		FeedID int64 `positional-arg-name:"feed-id" required:"yes"`
	} `positional-args:"yes"`
}

type runArg struct {
	Args struct {
		RunID int64 `positional-arg-name:"run-id" required:"yes"`
	} `positional-args:"yes"`
}

type cmdFeedsList struct{}

func (cmdFeedsList) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		for _, kind := range []model.FeedKind{model.KindAffiliate, model.KindRetailer} {
			feeds, err := s.store.ListFeeds(ctx, kind)
			if err != nil {
				return err
			}
			for _, f := range feeds {
				var paint = faint
				switch f.Status {
				case model.FeedEnabled:
					paint = green
				case model.FeedPaused:
					paint = yellow
				case model.FeedDisabled:
					paint = red
				}
				var next = "-"
				if f.NextRunAt != nil {
					next = f.NextRunAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%6d  %-9s  %-30s  %-8s  next=%s  failures=%d\n",
					f.ID, kind, f.SourceID, paint.Sprint(f.Status), next,
					f.ConsecutiveFailures)
			}
		}
		return nil
	})
}

type cmdFeedsEnable struct{ feedArg }

func (c cmdFeedsEnable) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.Enable(ctx, c.Args.FeedID))
	})
}

type cmdFeedsPause struct{ feedArg }

func (c cmdFeedsPause) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.Pause(ctx, c.Args.FeedID))
	})
}

type cmdFeedsReenable struct{ feedArg }

func (c cmdFeedsReenable) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.Reenable(ctx, c.Args.FeedID))
	})
}

type cmdFeedsTrigger struct{ feedArg }

func (c cmdFeedsTrigger) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.TriggerManualRun(ctx, c.Args.FeedID))
	})
}

type cmdFeedsReset struct{ feedArg }

func (c cmdFeedsReset) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.ResetFeedState(ctx, c.Args.FeedID))
	})
}

type cmdFeedsReprocess struct{ feedArg }

func (c cmdFeedsReprocess) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.ForceReprocess(ctx, c.Args.FeedID))
	})
}

type cmdFeedsUpdate struct {
	feedArg
	Patch string `long:"patch" required:"yes" description:"RFC 7396 merge patch over the feed's mutable config"`
}

func (c cmdFeedsUpdate) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.UpdateFeedConfig(ctx, c.Args.FeedID, []byte(c.Patch)))
	})
}

type cmdRunsList struct {
	feedArg
	Limit int `long:"limit" default:"20" description:"Newest runs to show"`
}

func (c cmdRunsList) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		runs, err := s.store.RecentRuns(ctx, c.Args.FeedID, c.Limit)
		if err != nil {
			return err
		}
		for _, r := range runs {
			var paint = faint
			switch r.Status {
			case model.RunSucceeded:
				paint = green
			case model.RunFailed:
				paint = red
			case model.RunSkipped:
				paint = yellow
			}
			var note string
			switch {
			case r.IgnoredAt != nil:
				note = "ignored: " + r.IgnoredReason
			case r.ExpiryBlocked && r.ExpiryApprovedAt == nil:
				note = "expiry-blocked"
			case r.FailureCode != "":
				note = r.FailureCode
			}
			fmt.Printf("%6d  %-9s  %-14s  rows=%d/%d  upserted=%d  promoted=%d  %s\n",
				r.ID, paint.Sprint(r.Status), r.Trigger,
				r.Counters.RowsParsed, r.Counters.RowsRead,
				r.Counters.ProductsUpserted, r.Counters.ProductsPromoted, note)
		}
		return nil
	})
}

type cmdRunsApprove struct {
	runArg
	Actor string `long:"actor" required:"yes" description:"Who approves the activation"`
}

func (c cmdRunsApprove) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.ApproveActivation(ctx, c.Args.RunID, c.Actor))
	})
}

type cmdRunsIgnore struct {
	runArg
	By     string `long:"by" required:"yes" description:"Who ignores the run"`
	Reason string `long:"reason" required:"yes" description:"Why the run is ignored"`
}

func (c cmdRunsIgnore) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.IgnoreRun(ctx, c.Args.RunID, c.By, c.Reason))
	})
}

type cmdRunsUnignore struct{ runArg }

func (c cmdRunsUnignore) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.UnignoreRun(ctx, c.Args.RunID))
	})
}

type cmdTrustSet struct {
	Args struct {
		SourceID string `positional-arg-name:"source-id" required:"yes"`
		Trusted  string `positional-arg-name:"trusted" required:"yes"`
	} `positional-args:"yes"`
}

func (c cmdTrustSet) Execute(_ []string) error {
	trusted, err := strconv.ParseBool(c.Args.Trusted)
	if err != nil {
		return fmt.Errorf("trusted must be true or false, got %q", c.Args.Trusted)
	}
	return withSession(func(ctx context.Context, s *session) error {
		return report(s.admin.UpdateSourceTrustConfig(ctx, c.Args.SourceID, trusted))
	})
}

type cmdSettingsSet struct {
	Args struct {
		Name  string `positional-arg-name:"name" required:"yes"`
		Value string `positional-arg-name:"value" required:"yes"`
	} `positional-args:"yes"`
}

func (c cmdSettingsSet) Execute(_ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		if err := s.store.SetSetting(ctx, c.Args.Name, c.Args.Value, time.Now()); err != nil {
			return err
		}
		green.Print("ok  ")
		fmt.Printf("%s=%s\n", c.Args.Name, c.Args.Value)
		return nil
	})
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	feeds, _ := parser.AddCommand("feeds", "Manage feeds", "", &struct{}{})
	_, _ = feeds.AddCommand("list", "List configured feeds", "", &cmdFeedsList{})
	_, _ = feeds.AddCommand("enable", "Enable a feed", "", &cmdFeedsEnable{})
	_, _ = feeds.AddCommand("pause", "Pause a feed", "", &cmdFeedsPause{})
	_, _ = feeds.AddCommand("reenable", "Reenable a paused or disabled feed", "", &cmdFeedsReenable{})
	_, _ = feeds.AddCommand("trigger", "Trigger a manual run", "", &cmdFeedsTrigger{})
	_, _ = feeds.AddCommand("reset", "Reset a feed's run state", "", &cmdFeedsReset{})
	_, _ = feeds.AddCommand("reprocess", "Force reprocessing on the next run", "", &cmdFeedsReprocess{})
	_, _ = feeds.AddCommand("update", "Merge-patch a feed's configuration", "", &cmdFeedsUpdate{})

	runs, _ := parser.AddCommand("runs", "Inspect and moderate feed runs", "", &struct{}{})
	_, _ = runs.AddCommand("list", "List a feed's recent runs", "", &cmdRunsList{})
	_, _ = runs.AddCommand("approve", "Approve an expiry-blocked run", "", &cmdRunsApprove{})
	_, _ = runs.AddCommand("ignore", "Hide a run from consumer reads", "", &cmdRunsIgnore{})
	_, _ = runs.AddCommand("unignore", "Restore an ignored run", "", &cmdRunsUnignore{})

	trust, _ := parser.AddCommand("trust", "Manage source trust configuration", "", &struct{}{})
	_, _ = trust.AddCommand("set", "Set a source's UPC trust", "", &cmdTrustSet{})

	settings, _ := parser.AddCommand("settings", "Manage global settings", "", &struct{}{})
	_, _ = settings.AddCommand("set", "Set a global setting", "", &cmdSettingsSet{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
