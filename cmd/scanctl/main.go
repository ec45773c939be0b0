package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"guided-scan/backend/internal/config"
	"guided-scan/backend/internal/logging"
	"guided-scan/backend/internal/repository"
	"guided-scan/backend/internal/services"
	"guided-scan/backend/pkg/models"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "scanctl",
		Short: "Operator tooling for the guided scan service",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	root.AddCommand(seedCmd())
	root.AddCommand(recompileCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*repository.PostgresStore, *pgxpool.Pool) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}

	store := repository.NewPostgresStore(pool)
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	return store, pool
}

func seedCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a demo organization and a three-agent scan chain",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			logger := logging.NewLogger()
			store, pool := connect(ctx)
			defer pool.Close()

			// 1. Ensure organization exists
			org, err := store.GetOrganizationByDomain(ctx, domain)
			if err != nil {
				log.Fatalf("Failed to look up organization: %v", err)
			}
			if org == nil {
				logger.Info("Creating organization", "domain", domain)
				org = &models.Organization{
					ID:     uuid.New().String(),
					Name:   "Local Dev Org",
					Domain: domain,
				}
				if err := store.CreateOrganization(ctx, org); err != nil {
					log.Fatalf("Failed to create organization: %v", err)
				}
			} else {
				logger.Info("Found existing organization", "id", org.ID)
			}

			// 2. Skip if the org already has agents
			existing, err := store.ListActiveAgents(ctx, org.ID)
			if err != nil {
				log.Fatalf("Failed to list existing agents: %v", err)
			}
			if len(existing) > 0 {
				logger.Info("Agents already seeded", "count", len(existing))
				return
			}

			// 3. Create the demo chain: Discovery -> Assessment -> Summary
			seeds := []struct {
				Name        string
				Description string
				Prompt      string
				AssistantID string
			}{
				{"Discovery", "Maps the organization's current situation.", "Interview the user about their organization's current state.", "asst_discovery"},
				{"Assessment", "Evaluates risks and opportunities found during discovery.", "Assess the discovery findings and identify risks.", "asst_assessment"},
				{"Summary", "Compiles recommendations from the earlier steps.", "Summarize the scan into actionable recommendations.", "asst_summary"},
			}

			ids := make([]string, len(seeds))
			for i := range seeds {
				ids[i] = uuid.New().String()
			}
			for i, seed := range seeds {
				agent := &models.Agent{
					ID:             ids[i],
					OrganizationID: &org.ID,
					Name:           seed.Name,
					Description:    seed.Description,
					SystemPrompt:   seed.Prompt,
					AssistantID:    seed.AssistantID,
					Status:         models.AgentStatusActive,
				}
				if i+1 < len(seeds) {
					agent.NextAgentID = &ids[i+1]
				}
				if err := store.CreateAgent(ctx, agent); err != nil {
					log.Fatalf("Failed to create agent %s: %v", seed.Name, err)
				}
				logger.Info("Seeded agent", "name", seed.Name, "id", agent.ID)
			}
			logger.Info("Seeding complete!")
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "localhost", "Organization email domain")
	return cmd
}

func recompileCmd() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "recompile <scan-id>",
		Short: "Re-run document compilation for a completed scan",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			logger := logging.NewLogger()
			store, pool := connect(ctx)
			defer pool.Close()

			scanID := args[0]
			scan, err := store.GetScan(ctx, scanID)
			if err != nil {
				log.Fatalf("Failed to load scan: %v", err)
			}
			if scan == nil {
				log.Fatalf("Scan %s not found", scanID)
			}
			if scan.Status != models.ScanStatusCompleted {
				log.Fatalf("Scan %s is not completed (status %s)", scanID, scan.Status)
			}

			compiler := services.NewDocumentCompiler(store, logger)
			docID, err := compiler.CompileAndPersist(ctx, scanID, approver)
			if err != nil {
				log.Fatalf("Failed to compile document: %v", err)
			}
			logger.Info("Document compiled", "scan_id", scanID, "document_id", docID)
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "operator", "Name recorded as the approving user")
	return cmd
}
