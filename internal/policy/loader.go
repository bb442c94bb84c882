package policy

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/pkg/types"
)

// LoadedFile is a policy document read from disk.
type LoadedFile struct {
	SourceType types.PolicySourceType
	// Content is ready for PolicyImportRequest.SourceContent.
	Content string
	// Fields is set for YAML documents that spell out the policy directly.
	Fields *types.PolicyFields
	Hash   string
}

// LoadFile reads a policy document. YAML files are decoded into fields, PDFs
// are base64 encoded, anything else is treated as text.
func LoadFile(path string) (LoadedFile, error) {
	// #nosec G304 -- path comes from the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedFile{}, err
	}
	loaded := LoadedFile{
		SourceType: types.PolicySourceText,
		Content:    string(data),
		Hash:       crypto.DigestWithPrefix(data),
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var fields types.PolicyFields
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return LoadedFile{}, err
		}
		fields = Normalize(fields)
		loaded.Fields = &fields
	case ".pdf":
		loaded.SourceType = types.PolicySourcePDF
		loaded.Content = base64.StdEncoding.EncodeToString(data)
	}
	return loaded, nil
}
