package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/policyrag/policyrag/internal/azauth"
	"github.com/policyrag/policyrag/internal/azcli"
	"github.com/policyrag/policyrag/internal/blobstore"
	"github.com/policyrag/policyrag/internal/config"
	"github.com/policyrag/policyrag/internal/ingest"
	"github.com/policyrag/policyrag/internal/search"
	"github.com/policyrag/policyrag/internal/storage"
)

// newCLI is replaced in tests.
var newCLI = func() *azcli.CLI { return azcli.New(nil) }

// --- auth ---

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Azure sign-in and token checks",
}

var authCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Request an access token with the current Azure identity",
	Long: `Request an access token with the current Azure identity.

The identity is resolved from environment credentials, workload or managed
identity, and finally the Azure CLI login. The token itself is never printed.

Examples:
  policyrag auth check
  policyrag auth check --scope management`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		scopeFlag, _ := cmd.Flags().GetString("scope")
		scope, err := resolveScope(scopeFlag)
		if err != nil {
			return err
		}

		cred, err := azauth.NewCredential(cfg.Azure.TenantID)
		if err != nil {
			return err
		}
		printStep("Requesting a token for %s", scope)
		info, err := azauth.Verify(cmd.Context(), cred, scope)
		if err != nil {
			printError("%v", err)
			hint := azauth.HintLogin
			if scope == azauth.StorageScope {
				hint = azauth.HintStorage
			}
			for _, h := range azauth.Troubleshooting(hint) {
				printStatus("Check", "%s", h)
			}
			return errors.New("token request failed")
		}

		printSuccess("Token acquired")
		printStatus("Scope", "%s", info.Scope)
		printStatus("Expires", "%s", info.ExpiresOn.Local().Format(time.RFC1123))
		return nil
	},
}

func resolveScope(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "storage":
		return azauth.StorageScope, nil
	case "management", "arm":
		return azauth.ManagementScope, nil
	case "cognitive", "openai":
		return azauth.CognitiveScope, nil
	}
	if strings.HasPrefix(s, "https://") {
		return s, nil
	}
	return "", fmt.Errorf("unknown scope %q: use storage, management, cognitive or a full https:// scope", s)
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the Azure CLI (opens a browser)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		if tenant == "" {
			tenant = cfg.Azure.TenantID
		}

		cli := newCLI()
		if tenant != "" {
			printStep("Signing in to tenant %s", tenant)
		} else {
			printStep("Signing in")
		}
		if err := cli.Login(cmd.Context(), tenant); err != nil {
			return err
		}

		acct, err := cli.Account(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Signed in as %s", acct.User.Name)
		printAccount(acct)
		if cfg.Azure.SubscriptionID != "" && acct.ID != cfg.Azure.SubscriptionID {
			printWarning("active subscription differs from AZURE_SUBSCRIPTION_ID; run: policyrag auth subscription %s", cfg.Azure.SubscriptionID)
		}
		return nil
	},
}

var authSubscriptionCmd = &cobra.Command{
	Use:   "subscription <id>",
	Short: "Set the active Azure subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newCLI()
		if err := cli.SetSubscription(cmd.Context(), args[0]); err != nil {
			return err
		}
		acct, err := cli.Account(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Active subscription is %s", acct.Name)
		printAccount(acct)
		return nil
	},
}

func printAccount(a azcli.Account) {
	printStatus("Subscription", "%s (%s)", a.Name, a.ID)
	printStatus("Tenant", "%s", a.TenantID)
	printStatus("User", "%s (%s)", a.User.Name, a.User.Type)
	if a.State != "" {
		printStatus("State", "%s", a.State)
	}
}

func init() {
	authCheckCmd.Flags().String("scope", "storage", "token scope: storage, management, cognitive or a full scope URL")
	authLoginCmd.Flags().String("tenant", "", "tenant id (defaults to AZURE_TENANT_ID)")

	authCmd.AddCommand(authCheckCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authSubscriptionCmd)
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>...",
	Short: "Upload PDFs into your folder",
	Long: `Upload PDFs into your folder in the blob container.

Each file is checked to be a readable PDF before upload. When an indexer is
configured (AZURE_SEARCH_INDEXER_NAME) it is asked to run afterwards.

Examples:
  policyrag upload --user alice ./handbook.pdf
  policyrag upload --user alice "C:\Users\alice\Leave Policy.pdf"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		uploader, err := newUploader(cfg, store)
		if err != nil {
			return err
		}

		var failed, queued int
		reminder := ""
		for _, path := range args {
			printStep("Uploading %s", ingest.CleanPath(path))
			res, err := uploader.Upload(cmd.Context(), user, path)
			if err != nil && res.Upload.ID == "" {
				printError("%v", err)
				if needsStorageHints(err) {
					for _, h := range azauth.Troubleshooting(azauth.HintStorage) {
						printStatus("Check", "%s", h)
					}
				}
				failed++
				continue
			}
			printSuccess("Uploaded %s (%d pages)", res.Upload.BlobName, res.Upload.Pages)
			if err != nil {
				printWarning("%v", err)
			}
			if res.JobID != "" {
				queued++
			}
			if res.Reminder != "" {
				reminder = res.Reminder
			}
		}

		if queued > 0 {
			if err := drainIndexerJobs(cmd.Context(), cfg, store); err != nil {
				printWarning("indexer run not confirmed: %v (it will be retried by 'policyrag serve')", err)
			}
		}
		if reminder != "" {
			printWarning("%s", reminder)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

// needsStorageHints reports whether err came from the storage service
// rather than from the local file or the arguments.
func needsStorageHints(err error) bool {
	return !errors.Is(err, ingest.ErrNotPDF) &&
		!errors.Is(err, os.ErrNotExist) &&
		!errors.Is(err, blobstore.ErrInvalidUsername) &&
		!errors.Is(err, blobstore.ErrInvalidFilename)
}

func init() {
	uploadCmd.Flags().String("user", "", "your username (folder name)")
	uploadCmd.MarkFlagRequired("user")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search your documents without generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		top, _ := cmd.Flags().GetInt("top")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := newPipeline(cfg, store)
		if err != nil {
			return err
		}
		docs, err := p.Search(cmd.Context(), user, strings.Join(args, " "), top)
		if err != nil {
			return err
		}

		if asJSON {
			if docs == nil {
				docs = []search.Document{}
			}
			return printJSON(cmd.OutOrStdout(), docs)
		}
		if len(docs) == 0 {
			printWarning("No documents matched. Did the indexer run after your upload?")
			return nil
		}
		for i, d := range docs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", colorize(colorBold, fmt.Sprintf("%d. [%.2f]", i+1, d.Score)), d.Source)
			fmt.Fprintf(cmd.OutOrStdout(), "   %s\n\n", snippet(d.Content, 240))
		}
		return nil
	},
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func init() {
	searchCmd.Flags().String("user", "", "your username (folder name)")
	searchCmd.Flags().Int("top", 0, "number of results (default search.top_k)")
	searchCmd.Flags().Bool("json", false, "print results as JSON")
	searchCmd.MarkFlagRequired("user")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from your documents",
	Long: `Answer a question using only the documents in your folder.

Example:
  policyrag ask --user alice "How many days of annual leave do I get?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := newPipeline(cfg, store)
		if err != nil {
			return err
		}
		ans, err := p.Ask(cmd.Context(), user, strings.Join(args, " "))
		if err != nil {
			var se *search.StatusError
			if errors.As(err, &se) {
				for _, h := range azauth.Troubleshooting(azauth.HintSearch) {
					printStatus("Check", "%s", h)
				}
			}
			return err
		}

		if asJSON {
			if ans.Sources == nil {
				ans.Sources = []string{}
			}
			return printJSON(cmd.OutOrStdout(), ans)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ans.Text)
		for _, s := range ans.Sources {
			printStatus("Source", "%s", s)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("user", "", "your username (folder name)")
	askCmd.Flags().Bool("json", false, "print the answer as JSON")
	askCmd.MarkFlagRequired("user")
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run or inspect the search indexer",
}

var indexRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Ask the search service to run the indexer now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name, err := requireIndexer(cfg, cmd)
		if err != nil {
			return err
		}
		sc, err := newSearchClient(cfg)
		if err != nil {
			return err
		}
		if err := sc.RunIndexer(cmd.Context(), name); err != nil {
			return err
		}
		printSuccess("Indexer %s started", name)
		return nil
	},
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the indexer's status and last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name, err := requireIndexer(cfg, cmd)
		if err != nil {
			return err
		}
		sc, err := newSearchClient(cfg)
		if err != nil {
			return err
		}
		st, err := sc.IndexerStatus(cmd.Context(), name)
		if err != nil {
			return err
		}
		printIndexerStatus(name, st)
		return nil
	},
}

func requireIndexer(cfg config.Config, cmd *cobra.Command) (string, error) {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = cfg.Search.IndexerName
	}
	if name == "" {
		return "", errors.New("no indexer configured: set AZURE_SEARCH_INDEXER_NAME or pass --name")
	}
	return name, nil
}

func printIndexerStatus(name string, st search.IndexerStatus) {
	printStatus("Indexer", "%s", name)
	printStatus("Status", "%s", st.Status)
	if st.LastResult == nil {
		printStatus("Last run", "never")
		return
	}
	r := st.LastResult
	printStatus("Last run", "%s at %s", r.Status, r.StartTime.Local().Format(time.RFC1123))
	printStatus("Documents", "%d processed, %d failed", r.ItemCount, r.FailedCount)
	if r.ErrorMessage != "" {
		printStatus("Error", "%s", r.ErrorMessage)
	}
}

func init() {
	indexCmd.PersistentFlags().String("name", "", "indexer name (defaults to AZURE_SEARCH_INDEXER_NAME)")
	indexCmd.AddCommand(indexRunCmd)
	indexCmd.AddCommand(indexStatusCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past uploads and questions",
}

var historyUploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "List your uploads, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, limit, asJSON := historyFlags(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		uploads, err := store.ListUploads(user, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), uploads)
		}
		if len(uploads) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No uploads.")
			return nil
		}
		for _, u := range uploads {
			status, detail := colorize(colorGreen, u.Status), u.BlobName
			if u.Status == storage.UploadFailed {
				status, detail = colorize(colorRed, u.Status), u.LocalPath+": "+u.Error
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %s  %s (%d pages)\n",
				u.CreatedAt.Local().Format("2006-01-02 15:04"), u.Username, status, detail, u.Pages)
		}
		return nil
	},
}

var historyQuestionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List your questions and answers, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, limit, asJSON := historyFlags(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.ListInteractions(user, limit, 0)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No questions.")
			return nil
		}
		for _, ix := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				ix.CreatedAt.Local().Format("2006-01-02 15:04"), ix.Username, colorize(colorBold, ix.Question))
			if ix.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n\n", colorize(colorRed, ix.Error))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n\n", snippet(ix.Answer, 300))
		}
		return nil
	},
}

var historyForgetCmd = &cobra.Command{
	Use:   "forget <interaction-id>",
	Short: "Delete a stored question and its answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteInteraction(args[0]); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no question with id %s", args[0])
			}
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func historyFlags(cmd *cobra.Command) (user string, limit int, asJSON bool) {
	user, _ = cmd.Flags().GetString("user")
	limit, _ = cmd.Flags().GetInt("limit")
	asJSON, _ = cmd.Flags().GetBool("json")
	if limit <= 0 {
		limit = 20
	}
	return strings.TrimSpace(user), limit, asJSON
}

func init() {
	historyCmd.PersistentFlags().String("user", "", "only show this user (default all users)")
	historyCmd.PersistentFlags().Int("limit", 20, "maximum number of entries")
	historyCmd.PersistentFlags().Bool("json", false, "print as JSON")
	historyCmd.AddCommand(historyUploadsCmd)
	historyCmd.AddCommand(historyQuestionsCmd)
	historyCmd.AddCommand(historyForgetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

API keys cannot be stored this way; put them in the environment or in .env.

Valid keys:
  ` + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
