package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// overrideEnvVars name environment variables that point at an env file and win
// over the --env flag.
var overrideEnvVars = []string{"GEOSTORY_ENV_FILE", "HORSE_ENV_FILE"}

// EnvLoader loads .env files with a predictable override order.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	value := fs.String("env", defaultPath, description)
	return &EnvLoader{
		value:       value,
		defaultPath: defaultPath,
	}
}

// Load resolves and loads environment variables using the configured flag value.
// Candidates are tried in order: override variables, the flag value, its
// basename, then the default path.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	for _, envVar := range overrideEnvVars {
		custom := strings.TrimSpace(os.Getenv(envVar))
		if custom == "" {
			continue
		}
		if err := godotenv.Overload(custom); err == nil {
			log.Printf("Loaded environment from %s: %s", envVar, custom)
			return custom, nil
		}
		log.Printf("Warning: failed to load %s=%s", envVar, custom)
	}

	requested := l.requestedPath()
	for _, candidate := range l.candidates(requested) {
		if err := godotenv.Overload(candidate); err == nil {
			log.Printf("Loaded environment from: %s", candidate)
			return candidate, nil
		}
	}

	return "", fmt.Errorf("failed to load env file from %s", requested)
}

func (l *EnvLoader) requestedPath() string {
	requested := ""
	if l.value != nil {
		requested = strings.TrimSpace(*l.value)
	}
	if requested == "" {
		requested = l.defaultPath
	}
	return requested
}

func (l *EnvLoader) candidates(requested string) []string {
	out := []string{requested}
	if base := filepath.Base(requested); base != "" && base != requested {
		out = append(out, base)
	}
	if requested != l.defaultPath {
		out = append(out, l.defaultPath)
	}
	return out
}
