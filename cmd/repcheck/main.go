package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mfujita/repcheck/internal/catalog"
	"github.com/mfujita/repcheck/internal/config"
	"github.com/mfujita/repcheck/internal/domain"
	"github.com/mfujita/repcheck/internal/gitsource"
	"github.com/mfujita/repcheck/internal/review"
	"github.com/mfujita/repcheck/internal/state"
	"github.com/mfujita/repcheck/internal/storage"
	"github.com/mfujita/repcheck/internal/syncclient"
	"github.com/mfujita/repcheck/internal/syncer"
)

const usage = `Usage: repcheck [flags] <command> [args]

Commands:
  status                     Show progress, due counts and sync state
  list                       List catalog questions by category
  check <id> <slot>          Toggle a check slot (0-3) on a question
  react <kind> <id>          Record a reaction (oshi, like, fear)
  favorite <id>              Toggle a question as favorite
  archive <id>               Toggle a question as archived
  due                        List questions due for review
  exam <yyyy-mm-dd>          Set the exam date
  register <user>            Create a remote account
  login <user>               Log in and store the session
  logout                     Drop the stored session
  sync                       Push local state to the remote
  pull                       Replace local state with the remote copy
  clear-remote               Delete the remote copy
  reset                      Wipe local progress (session kept)
`

func main() {
	defaults := config.DefaultClient()

	flags := pflag.NewFlagSet("repcheck", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nFlags:")
		fmt.Fprintln(os.Stderr, flags.FlagUsages())
	}
	configPath := flags.String("config", "", "Path to a YAML config file")
	flags.String("db-path", defaults.DBPath, "Path to the local SQLite database")
	flags.String("cache-dir", defaults.CacheDir, "Directory for mirrored catalog repositories")
	flags.String("endpoint", "", "Sync backend URL")
	flags.String("user-id", "", "Identity to scope local data to")
	flags.Duration("debounce", defaults.Debounce, "Quiet window before a background push")
	flags.StringSlice("catalogs", nil, "Catalog sources (local paths, or git URLs ending in .git)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := config.LoadClient(*configPath, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.close()

	if err := app.run(context.Background(), args[0], args[1:]); err != nil {
		log.Fatalf("%v", err)
	}
}

type app struct {
	cfg     config.Client
	backing *storage.Store
	adapter *storage.Adapter
	store   *state.Store
	coord   *syncer.Coordinator
}

func newApp(cfg config.Client) (*app, error) {
	backing, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Scope local data to the configured identity, falling back to
	// whoever last logged in on this machine.
	identity := cfg.UserID
	if identity == "" {
		current, err := backing.CurrentUser()
		if err != nil {
			backing.Close()
			return nil, err
		}
		identity = current
	}
	adapter := storage.NewAdapter(backing, identity)

	st, err := state.Load(adapter)
	if err != nil {
		backing.Close()
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	a := &app{cfg: cfg, backing: backing, adapter: adapter, store: st}

	// An explicitly configured endpoint is remembered; later runs can
	// omit it.
	if cfg.Endpoint == "" {
		stored, err := adapter.LoadEndpoint()
		if err != nil {
			backing.Close()
			return nil, err
		}
		a.cfg.Endpoint = stored
	} else if err := adapter.SaveEndpoint(cfg.Endpoint); err != nil {
		backing.Close()
		return nil, err
	}

	if a.cfg.Endpoint != "" {
		client, err := syncclient.New(a.cfg.Endpoint)
		if err != nil {
			backing.Close()
			return nil, err
		}
		coord, err := syncer.New(client, adapter, st, syncer.Options{
			Debounce:   cfg.Debounce,
			OnConflict: promptConflict,
		})
		if err != nil {
			backing.Close()
			return nil, err
		}
		a.coord = coord
	}
	return a, nil
}

func (a *app) close() {
	if a.coord != nil {
		a.coord.Stop()
	}
	a.backing.Close()
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "status":
		return a.cmdStatus(ctx)
	case "list":
		return a.cmdList()
	case "check":
		return a.cmdCheck(args)
	case "react":
		return a.cmdReact(args)
	case "favorite":
		return a.cmdToggle(args, a.store.ToggleFavorite, "favorite")
	case "archive":
		return a.cmdToggle(args, a.store.ToggleArchive, "archived")
	case "due":
		return a.cmdDue()
	case "exam":
		return a.cmdExam(args)
	case "register":
		return a.cmdRegister(ctx, args)
	case "login":
		return a.cmdLogin(ctx, args)
	case "logout":
		if err := a.adapter.ClearSession(); err != nil {
			return err
		}
		return a.backing.ClearCurrentUser()
	case "sync":
		return a.withSession(ctx, func() error { return a.coord.Push(ctx) })
	case "pull":
		return a.withSession(ctx, func() error { return a.coord.Pull(ctx) })
	case "clear-remote":
		return a.withSession(ctx, func() error { return a.coord.ClearRemote(ctx) })
	case "reset":
		return a.store.Reset()
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// loadCatalogs fetches every configured source and merges the results.
func (a *app) loadCatalogs() ([]*catalog.Catalog, error) {
	var catalogs []*catalog.Catalog
	for _, source := range a.cfg.Catalogs {
		path, err := gitsource.Fetch(source, a.cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch catalog %s: %w", source, err)
		}
		c, err := catalog.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog %s: %w", source, err)
		}
		catalogs = append(catalogs, c)
	}
	return catalogs, nil
}

func (a *app) allIDs() ([]domain.QuestionID, error) {
	catalogs, err := a.loadCatalogs()
	if err != nil {
		return nil, err
	}
	var ids []domain.QuestionID
	for _, c := range catalogs {
		ids = append(ids, c.IDs()...)
	}
	return ids, nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	ids, err := a.allIDs()
	if err != nil {
		return err
	}

	for _, line := range summarize(a.store, ids, time.Now()) {
		fmt.Println(line)
	}

	if a.coord != nil {
		if err := a.coord.Start(ctx); err != nil {
			fmt.Printf("Sync:      error (%v)\n", err)
		} else {
			fmt.Printf("Sync:      %s\n", a.coord.Status())
		}
		if last, err := a.adapter.LoadLastSync(); err == nil && !last.IsZero() {
			fmt.Printf("Last sync: %s\n", last.Local().Format(time.RFC3339))
		}
	}
	return nil
}

// summarize renders the study-state lines shown by the status
// command. ComputeProgress already reports percent on a 0-100 scale.
func summarize(st *state.Store, ids []domain.QuestionID, now time.Time) []string {
	progress := st.ComputeProgress(ids)
	lines := []string{
		fmt.Sprintf("Questions: %d", progress.Total),
		fmt.Sprintf("Progress:  %.1f%% (%.2f complete)", progress.Percent, progress.EquivalentCount),
		fmt.Sprintf("Due now:   %d", st.CountDue(ids, now)),
	}

	untouched := 0
	for _, id := range ids {
		if st.IsUntouched(id) {
			untouched++
		}
	}
	lines = append(lines, fmt.Sprintf("Untouched: %d", untouched))

	archived := 0
	var byChecks [domain.NumSlots + 1]int
	for tier, n := range st.TierCounts(ids) {
		if tier.Archived {
			archived += n
		} else {
			byChecks[tier.Checked] += n
		}
	}
	lines = append(lines, fmt.Sprintf("Checks:    0/4:%d 1/4:%d 2/4:%d 3/4:%d 4/4:%d archived:%d",
		byChecks[0], byChecks[1], byChecks[2], byChecks[3], byChecks[4], archived))

	oshi, like, fear := st.ReactionTotals()
	lines = append(lines, fmt.Sprintf("Reactions: oshi %d, like %d, fear %d", oshi, like, fear))

	if next, ok := nextDueAcross(st, ids, now); ok {
		lines = append(lines, fmt.Sprintf("Next due:  %s", next.Local().Format(time.RFC3339)))
	}
	if days, ok := st.DaysUntilExam(now); ok {
		lines = append(lines, fmt.Sprintf("Exam:      %s (%d days)", st.ExamDate(), days))
	}
	return lines
}

// nextDueAcross finds the earliest upcoming review over the scope.
// Questions already due show up in the due count instead.
func nextDueAcross(st *state.Store, ids []domain.QuestionID, now time.Time) (time.Time, bool) {
	var next time.Time
	for _, id := range ids {
		checks, ok := st.Checks(id)
		if !ok || st.IsArchived(id) {
			continue
		}
		due, ok := review.NextDue(checks)
		if !ok || !due.After(now) {
			continue
		}
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	return next, !next.IsZero()
}

func (a *app) cmdList() error {
	catalogs, err := a.loadCatalogs()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, c := range catalogs {
		for _, category := range c.CategoryNames() {
			fmt.Printf("%s\n", category)
			for _, entry := range c.Categories[category] {
				id := entry.ID()
				marks := make([]byte, domain.NumSlots)
				checks, _ := a.store.Checks(id)
				for i, rec := range checks {
					if rec.Checked {
						marks[i] = 'x'
					} else {
						marks[i] = '-'
					}
				}
				flags := ""
				if a.store.IsFavorite(id) {
					flags += " *"
				}
				if a.store.IsArchived(id) {
					flags += " [archived]"
				}
				if a.store.IsDueForReview(id, now) {
					flags += " [due]"
				}
				fmt.Printf("  %-14s [%s] %s%s\n", id, marks, entry.Title, flags)
			}
		}
	}
	return nil
}

func (a *app) cmdCheck(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: check <id> <slot>")
	}
	slot, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid slot %q", args[1])
	}
	rec, err := a.store.ToggleCheck(domain.QuestionID(args[0]), slot)
	if err != nil {
		return err
	}
	if rec.Checked {
		fmt.Printf("Checked slot %d on %s\n", slot, args[0])
	} else {
		fmt.Printf("Unchecked slot %d on %s\n", slot, args[0])
	}
	return nil
}

func (a *app) cmdReact(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: react <kind> <id>")
	}
	count, err := a.store.AddReaction(domain.QuestionID(args[1]), domain.ReactionKind(args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("%s on %s: %d\n", args[0], args[1], count)
	return nil
}

func (a *app) cmdToggle(args []string, toggle func(domain.QuestionID) (bool, error), label string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <id>", label)
	}
	on, err := toggle(domain.QuestionID(args[0]))
	if err != nil {
		return err
	}
	if on {
		fmt.Printf("%s is now %s\n", args[0], label)
	} else {
		fmt.Printf("%s is no longer %s\n", args[0], label)
	}
	return nil
}

func (a *app) cmdDue() error {
	ids, err := a.allIDs()
	if err != nil {
		return err
	}
	now := time.Now()
	count := 0
	for _, id := range ids {
		if a.store.IsDueForReview(id, now) {
			fmt.Println(id)
			count++
		}
	}
	if count == 0 {
		fmt.Println("Nothing due.")
	}
	return nil
}

func (a *app) cmdExam(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: exam <yyyy-mm-dd>")
	}
	if err := a.store.SetExamDate(args[0]); err != nil {
		return err
	}
	if days, ok := a.store.DaysUntilExam(time.Now()); ok {
		fmt.Printf("Exam set: %s (%d days)\n", args[0], days)
	}
	return nil
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	client, userID, password, err := a.credentials(args)
	if err != nil {
		return err
	}
	if err := client.Register(ctx, userID, password); err != nil {
		return err
	}
	fmt.Printf("Registered %s\n", userID)
	return nil
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	client, userID, password, err := a.credentials(args)
	if err != nil {
		return err
	}
	session, err := client.Login(ctx, userID, password)
	if err != nil {
		return err
	}

	// From here on local state is scoped to the authenticated
	// identity, never to whichever scope was active before login.
	scoped := storage.NewAdapter(a.backing, session.UserID)
	if err := scoped.SaveSession(session); err != nil {
		return err
	}
	if a.cfg.Endpoint != "" {
		if err := scoped.SaveEndpoint(a.cfg.Endpoint); err != nil {
			return err
		}
	}
	if err := a.backing.SaveCurrentUser(session.UserID); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", session.UserID)
	return nil
}

func (a *app) credentials(args []string) (*syncclient.Client, string, string, error) {
	if a.coord == nil {
		return nil, "", "", syncclient.ErrNotConfigured
	}
	if len(args) != 1 {
		return nil, "", "", fmt.Errorf("usage: <command> <user>")
	}
	client, err := syncclient.New(a.cfg.Endpoint)
	if err != nil {
		return nil, "", "", err
	}

	fmt.Print("Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read password: %w", err)
	}
	return client, args[0], strings.TrimSpace(line), nil
}

func (a *app) withSession(ctx context.Context, fn func() error) error {
	if a.coord == nil {
		return syncclient.ErrNotConfigured
	}
	if err := a.coord.Start(ctx); err != nil {
		return err
	}
	if a.coord.Status() != syncer.Authenticated {
		return fmt.Errorf("not logged in, run: repcheck login <user>")
	}
	return fn()
}

// promptConflict asks which side wins when the remote copy moved on
// under an offline edit.
func promptConflict(localVersion, remoteVersion int) syncer.Resolution {
	fmt.Printf("Remote data changed (local version %d, remote %d).\n", localVersion, remoteVersion)
	fmt.Print("Keep local changes and retry later? [Y/n] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return syncer.KeepLocal
	}
	if strings.EqualFold(strings.TrimSpace(line), "n") {
		return syncer.ReloadRemote
	}
	return syncer.KeepLocal
}
