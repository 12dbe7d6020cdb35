package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"openbot-social/go-sdk/internal/entity"
	"openbot-social/go-sdk/internal/keystore"
	"openbot-social/go-sdk/internal/platform/redactlog"
)

const (
	exitOK            = 0
	exitInvalidInput  = 10
	exitNetworkFailed = 20
	exitAuthFailed    = 30
	exitKeyMissing    = 40
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "create":
		runCreate(os.Args[2:])
	case "auth":
		runAuth(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "revoke":
		runRevoke(os.Args[2:])
	case "keys":
		runKeys(os.Args[2:])
	case "export":
		runExport(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

type commonFlags struct {
	server *string
	keyDir *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	server := os.Getenv("OPENBOT_SERVER_URL")
	if server == "" {
		server = "http://localhost:3000"
	}
	return commonFlags{
		server: fs.String("server", server, "world server base URL"),
		keyDir: fs.String("key-dir", os.Getenv("OPENBOT_KEY_DIR"), "key directory (default ~/.openbot/keys)"),
	}
}

func openStore(keyDir string) *keystore.Store {
	dir := strings.TrimSpace(keyDir)
	if dir == "" {
		var err error
		dir, err = keystore.DefaultDir()
		if err != nil {
			writeStderrln(err.Error(), exitInvalidInput)
		}
	}
	return keystore.New(dir)
}

func newManager(server, keyDir string) *entity.Manager {
	cfg := entity.DefaultConfig(server)
	cfg.AutoRefresh = false // one-shot commands manage no background state
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("OPENBOT_DEBUG") != "" {
		log = slog.New(redactlog.Wrap(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	return entity.NewManager(cfg, openStore(keyDir), log)
}

func runCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("id", "", "entity id")
	name := fs.String("name", "", "display name")
	entityType := fs.String("type", "lobster", "entity type")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*id) == "" {
		writeStderrln("entity id is required", exitInvalidInput)
	}
	displayName := *name
	if displayName == "" {
		displayName = *id
	}

	m := newManager(*common.server, *common.keyDir)
	defer m.Stop()
	record, err := m.CreateEntity(*id, displayName, *entityType)
	if err != nil {
		if errors.Is(err, entity.ErrAlreadyExists) {
			writeStderrln(fmt.Sprintf("entity %q already exists on the server; keeping local key, run `openbotctl auth --id %s` to sign in", *id, *id), exitInvalidInput)
		}
		if errors.Is(err, entity.ErrNetwork) {
			writeStderrln(err.Error(), exitNetworkFailed)
		}
		writeStderrln(err.Error(), exitInvalidInput)
		return
	}

	keyPath, _ := openStore(*common.keyDir).PathFor(*id)
	if err := printJSON(map[string]any{
		"created":   true,
		"entity_id": record.EntityID,
		"name":      record.DisplayName,
		"type":      record.EntityType,
		"key_path":  keyPath,
	}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runAuth(args []string) {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("id", "", "entity id")
	showToken := fs.Bool("show-token", false, "print the session token")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*id) == "" {
		writeStderrln("entity id is required", exitInvalidInput)
	}

	m := newManager(*common.server, *common.keyDir)
	defer m.Stop()
	session, err := m.Authenticate(*id)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrKeyNotFound):
			writeStderrln(fmt.Sprintf("no private key for %q: a lost key cannot be recovered, create a new entity or import a backup", *id), exitKeyMissing)
		case errors.Is(err, entity.ErrNetwork):
			writeStderrln(err.Error(), exitNetworkFailed)
		default:
			writeStderrln(err.Error(), exitAuthFailed)
		}
		return
	}

	out := map[string]any{
		"authenticated": true,
		"entity_id":     session.EntityID,
		"expires_at":    session.ExpiresAt.Format(time.RFC3339),
		"remaining":     session.Remaining(time.Now().UTC()).String(),
	}
	if *showToken {
		out["token"] = session.Token
	}
	if err := printJSON(out); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("id", "", "entity id (omit for all local entities)")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	m := newManager(*common.server, *common.keyDir)
	defer m.Stop()
	store := openStore(*common.keyDir)

	ids := []string{*id}
	if strings.TrimSpace(*id) == "" {
		var err error
		ids, err = store.ListEntities()
		if err != nil {
			writeStderrln(err.Error(), exitInvalidInput)
		}
	}

	entries := make([]map[string]any, 0, len(ids))
	for _, entityID := range ids {
		entry := map[string]any{"entity_id": entityID}
		if _, ok := store.PathFor(entityID); ok {
			entry["key"] = "present"
			if pem, err := store.LoadPublicPEM(entityID); err == nil {
				if fp, err := keystore.Fingerprint(pem); err == nil {
					entry["fingerprint"] = fp
				}
			}
		} else {
			entry["key"] = "missing"
		}
		record, err := m.EntityInfo(entityID)
		switch {
		case err != nil:
			entry["server"] = "unreachable"
		case record == nil:
			entry["server"] = "unregistered"
		default:
			entry["server"] = "registered"
			entry["name"] = record.DisplayName
			entry["type"] = record.EntityType
		}
		entries = append(entries, entry)
	}

	if err := printJSON(map[string]any{"entities": entries}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runRevoke(args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("id", "", "entity id")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*id) == "" {
		writeStderrln("entity id is required", exitInvalidInput)
	}

	m := newManager(*common.server, *common.keyDir)
	defer m.Stop()
	existed := m.Revoke(*id)
	if err := printJSON(map[string]any{
		"entity_id": *id,
		"revoked":   existed,
	}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runKeys(args []string) {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}

	store := openStore(*common.keyDir)
	ids, err := store.ListEntities()
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	entries := make([]map[string]any, 0, len(ids))
	for _, entityID := range ids {
		path, _ := store.PathFor(entityID)
		entry := map[string]any{"entity_id": entityID, "key_path": path}
		if pem, err := store.LoadPublicPEM(entityID); err == nil {
			if fp, err := keystore.Fingerprint(pem); err == nil {
				entry["fingerprint"] = fp
			}
		}
		entries = append(entries, entry)
	}
	if err := printJSON(map[string]any{"dir": store.Dir(), "keys": entries}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("id", "", "entity id")
	out := fs.String("out", "", "output file (default <id>.obkey)")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*id) == "" {
		writeStderrln("entity id is required", exitInvalidInput)
	}
	passphrase := os.Getenv("OPENBOT_BACKUP_PASSPHRASE")
	if passphrase == "" {
		writeStderrln("set OPENBOT_BACKUP_PASSPHRASE to export a key backup", exitInvalidInput)
	}

	store := openStore(*common.keyDir)
	data, err := store.ExportEncrypted(*id, passphrase)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			writeStderrln(fmt.Sprintf("no private key for %q", *id), exitKeyMissing)
		}
		writeStderrln(err.Error(), exitInvalidInput)
		return
	}
	target := *out
	if target == "" {
		target = *id + ".obkey"
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if err := printJSON(map[string]any{"entity_id": *id, "backup": target}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	common := addCommonFlags(fs)
	in := fs.String("in", "", "backup file to import")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*in) == "" {
		writeStderrln("backup file is required", exitInvalidInput)
	}
	passphrase := os.Getenv("OPENBOT_BACKUP_PASSPHRASE")
	if passphrase == "" {
		writeStderrln("set OPENBOT_BACKUP_PASSPHRASE to import a key backup", exitInvalidInput)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	store := openStore(*common.keyDir)
	entityID, err := store.ImportEncrypted(data, passphrase)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyExists) {
			writeStderrln("a key for this entity already exists; refusing to overwrite it", exitInvalidInput)
		}
		writeStderrln(err.Error(), exitAuthFailed)
		return
	}
	path, _ := store.PathFor(entityID)
	if err := printJSON(map[string]any{"entity_id": entityID, "key_path": path}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	lines := []string{
		"openbotctl <command> [flags]",
		"commands:",
		"  create  --id <entity> [--name s] [--type s] [--server url] [--key-dir path]",
		"  auth    --id <entity> [--show-token] [--server url] [--key-dir path]",
		"  status  [--id <entity>] [--server url] [--key-dir path]",
		"  revoke  --id <entity> [--server url] [--key-dir path]",
		"  keys    [--key-dir path]",
		"  export  --id <entity> [--out file] [--key-dir path]   (needs OPENBOT_BACKUP_PASSPHRASE)",
		"  import  --in <file> [--key-dir path]                  (needs OPENBOT_BACKUP_PASSPHRASE)",
	}
	for _, line := range lines {
		fmt.Fprintln(os.Stdout, line)
	}
}

func writeStderrln(line string, exitCode int) {
	if _, err := fmt.Fprintln(os.Stderr, line); err != nil {
		os.Exit(exitCode)
	}
	os.Exit(exitCode)
}
