package services

import (
  _ "embed"
  "os"
  "strings"
  "sync"

  "gopkg.in/yaml.v3"

  "github.com/caowijzer/caowijzer-backend/internal/logger"
)

//go:embed category_profiles.yaml
var embeddedCategoryProfiles []byte

// CategoryProfile carries per-CAO-category extraction hints injected into the
// structure extractor prompt.
type CategoryProfile struct {
  Label       string   `yaml:"label"`
  Description string   `yaml:"description"`
  Hints       []string `yaml:"hints"`
}

type categoryProfileFile struct {
  Profiles map[string]CategoryProfile `yaml:"profiles"`
}

var (
  profilesOnce sync.Once
  profiles     map[string]CategoryProfile
)

// CategoryProfileFor resolves a category type to its profile; unknown
// categories fall back to "default". The profile set is the embedded YAML,
// overridable via CAO_CATEGORY_PROFILES_YAML.
func CategoryProfileFor(categoryType string, log *logger.Logger) CategoryProfile {
  profilesOnce.Do(func() {
    profiles = loadCategoryProfiles(log)
  })
  key := strings.ToLower(strings.TrimSpace(categoryType))
  if p, ok := profiles[key]; ok {
    return p
  }
  if p, ok := profiles["default"]; ok {
    return p
  }
  return CategoryProfile{Label: "CAO", Description: "Collective labor agreement."}
}

func loadCategoryProfiles(log *logger.Logger) map[string]CategoryProfile {
  raw := embeddedCategoryProfiles
  if path := strings.TrimSpace(os.Getenv("CAO_CATEGORY_PROFILES_YAML")); path != "" {
    if data, err := os.ReadFile(path); err == nil {
      raw = data
    } else if log != nil {
      log.Warn("Could not read category profiles override, using embedded", "path", path, "error", err)
    }
  }
  var file categoryProfileFile
  if err := yaml.Unmarshal(raw, &file); err != nil || len(file.Profiles) == 0 {
    if log != nil && err != nil {
      log.Warn("Could not parse category profiles, using fallback", "error", err)
    }
    return map[string]CategoryProfile{
      "default": {Label: "CAO", Description: "Collective labor agreement."},
    }
  }
  return file.Profiles
}
