package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"psamonitor/auth"
	"psamonitor/models"
	"psamonitor/store"

	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"
)

const usage = `psactl <command> [flags]

commands:
  seed -file plantas.yaml     register plants and equipment in DATABASE_URL
  token -sub NAME -role ROLE  issue a dashboard bearer token signed with JWT_SECRET
  status                      print the live line status mirrored to Firebase`

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "seed":
		err = runSeed(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func runSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", "plantas.yaml", "Plant registry YAML file")
	_ = fs.Parse(args)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL environment variable is not set")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	plants, equipment, err := parseRegistry(data)
	if err != nil {
		return err
	}

	st, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	added, skipped, err := seed(ctx, st, plants, equipment)
	if err != nil {
		return err
	}
	fmt.Printf("Plants registered: %d\nEquipment added: %d (already present: %d)\n", len(plants), added, skipped)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("sub", "", "Token subject (dashboard or user name)")
	roleName := fs.String("role", "viewer", "Role: viewer, operator or admin")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	_ = fs.Parse(args)

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return errors.New("JWT_SECRET environment variable is not set")
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}
	role, ok := auth.NormalizeRole(*roleName)
	if !ok {
		return fmt.Errorf("unknown role %q", *roleName)
	}
	token, err := auth.IssueJWT(*subject, role, []byte(secret), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// lineStatus matches the node written by the status mirror.
type lineStatus struct {
	PlantID string `json:"planta_id"`
	LineID  string `json:"linea_id"`
	Level   string `json:"nivel"`
	Since   string `json:"desde"`
	Reason  string `json:"motivo"`
}

func runStatus(ctx context.Context) error {
	serviceAccountJSON := os.Getenv("FIREBASE_SERVICE_ACCOUNT_JSON")
	dbURL := os.Getenv("FIREBASE_DB_URL")
	if serviceAccountJSON == "" || dbURL == "" {
		return errors.New("FIREBASE_SERVICE_ACCOUNT_JSON and FIREBASE_DB_URL must be set")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: dbURL}, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	if err != nil {
		return fmt.Errorf("error initializing firebase app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return fmt.Errorf("error getting database client: %w", err)
	}

	var all map[string]map[string]lineStatus
	if err := client.NewRef("plant-status").Get(ctx, &all); err != nil {
		return fmt.Errorf("error reading plant status: %w", err)
	}

	rows := make([]lineStatus, 0)
	for _, lines := range all {
		for _, ls := range lines {
			rows = append(rows, ls)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PlantID != rows[j].PlantID {
			return rows[i].PlantID < rows[j].PlantID
		}
		return rows[i].LineID < rows[j].LineID
	})

	fmt.Printf("Lines found: %d\n", len(rows))
	for _, ls := range rows {
		fmt.Printf("%-24s %-4s %-9s %s  %s\n", ls.PlantID, ls.LineID, ls.Level, ls.Since, ls.Reason)
	}
	return nil
}

type registryFile struct {
	Plants []plantEntry `yaml:"plantas"`
}

type plantEntry struct {
	ID               string           `yaml:"id"`
	Name             string           `yaml:"nombre"`
	InstallationType string           `yaml:"tipo_instalacion"`
	Lines            []string         `yaml:"lineas"`
	Equipment        []equipmentEntry `yaml:"equipos"`
}

type equipmentEntry struct {
	Type      string `yaml:"tipo"`
	Patrimony string `yaml:"numero_patrimonio"`
	Position  int    `yaml:"posicion"`
	Brand     string `yaml:"marca"`
	Model     string `yaml:"modelo"`
	Notes     string `yaml:"notas"`
}

// parseRegistry validates a registry file. Equipment without a position is
// numbered in file order per type.
func parseRegistry(data []byte) ([]*models.Plant, []*models.Equipment, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	var (
		plants    []*models.Plant
		equipment []*models.Equipment
		errs      []error
	)
	seenPlants := map[string]bool{}
	seenPatrimony := map[string]bool{}

	for i, p := range file.Plants {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("plantas[%d]: id is required", i))
			continue
		}
		if seenPlants[id] {
			errs = append(errs, fmt.Errorf("plantas[%d]: duplicate id %q", i, id))
			continue
		}
		seenPlants[id] = true

		kind := models.InstallationType(strings.ToLower(strings.TrimSpace(p.InstallationType)))
		switch kind {
		case "":
			kind = models.InstallationSimplex
		case models.InstallationSimplex, models.InstallationDuplex, models.InstallationTriplex:
		default:
			errs = append(errs, fmt.Errorf("plantas[%d]: unknown installation type %q", i, p.InstallationType))
			continue
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = models.DefaultPlantName(id)
		}
		plant := &models.Plant{ID: id, Name: name, InstallationType: kind, Lines: p.Lines}
		plant.Lines = plant.LineIDs()
		plants = append(plants, plant)

		positions := map[models.EquipmentType]int{}
		for j, e := range p.Equipment {
			t := models.EquipmentType(strings.TrimSpace(e.Type))
			if !t.Valid() {
				errs = append(errs, fmt.Errorf("plantas[%d].equipos[%d]: unknown type %q", i, j, e.Type))
				continue
			}
			patrimony := strings.TrimSpace(e.Patrimony)
			if patrimony == "" {
				errs = append(errs, fmt.Errorf("plantas[%d].equipos[%d]: numero_patrimonio is required", i, j))
				continue
			}
			if seenPatrimony[patrimony] {
				errs = append(errs, fmt.Errorf("plantas[%d].equipos[%d]: patrimony %q listed twice", i, j, patrimony))
				continue
			}
			seenPatrimony[patrimony] = true

			positions[t]++
			position := e.Position
			if position == 0 {
				position = positions[t]
			}
			equipment = append(equipment, &models.Equipment{
				ID:        uuid.NewString(),
				PlantID:   id,
				Type:      t,
				Patrimony: patrimony,
				Position:  position,
				Brand:     e.Brand,
				Model:     e.Model,
				Notes:     e.Notes,
			})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return plants, equipment, nil
}

type registryStore interface {
	PutPlant(ctx context.Context, plant *models.Plant) error
	AddEquipment(ctx context.Context, equipment *models.Equipment) error
}

// seed upserts plants and adds equipment. Equipment whose patrimony is
// already registered is skipped so the same file can be applied twice.
func seed(ctx context.Context, st registryStore, plants []*models.Plant, equipment []*models.Equipment) (added, skipped int, err error) {
	for _, p := range plants {
		if err := st.PutPlant(ctx, p); err != nil {
			return added, skipped, fmt.Errorf("plant %s: %w", p.ID, err)
		}
	}
	for _, e := range equipment {
		err := st.AddEquipment(ctx, e)
		switch {
		case err == nil:
			added++
		case errors.Is(err, models.ErrConflict):
			skipped++
		default:
			return added, skipped, fmt.Errorf("equipment %s: %w", e.Patrimony, err)
		}
	}
	return added, skipped, nil
}
