package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facefilter/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for detect, overlay and render commands
type Options struct {
	InputPath    string
	OutputPath   string
	FacesPath    string
	Filter       string
	Mirror       bool
	Live         bool
	Wait         bool
	NthFrame     int
	NumEngines   int
	DisplayScale float64
	WorkerScript string
	Detector     string
	CascadeDir   string
}

var (
	// DB is the global database connection shared by subcommands that need it
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	logLevel   string
	tuningPath string
	assetsDir  string
)

// Command annotations controlling the database connection in PersistentPreRunE.
// "optional" skips the connection when --live is set.
var (
	needsDB    = map[string]string{"db": "required"}
	optionalDB = map[string]string{"db": "optional"}
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facefilter",
	Short:   "Face-anchored overlay engine for video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		logrus.SetLevel(level)
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		if cmd.Annotations["db"] == "" {
			return nil
		}
		if cmd.Annotations["db"] == "optional" {
			if live, _ := cmd.Flags().GetBool("live"); live {
				return nil
			}
		}
		return connectDB(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func connectDB(ctx context.Context) error {
	// If no flag was provided, try to build the connection string from the environment
	if dbURL == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			user := os.Getenv("POSTGRES_USER")
			pass := os.Getenv("POSTGRES_PASSWORD")
			name := os.Getenv("POSTGRES_DB")
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
		} else {
			// Fallback to local default if no env vars are present
			dbURL = "postgres://localhost:5432/facefilter"
		}
	}

	var err error
	DB, err = store.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/facefilter)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "Log level: trace, debug, info, warning, error")
	rootCmd.PersistentFlags().StringVar(&tuningPath, "tuning", "", "YAML file overriding filter scale multipliers and offsets")
	rootCmd.PersistentFlags().StringVar(&assetsDir, "assets", "assets", "Directory holding <filter>.png|.webp|.jpg graphics")
}
