package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Language is the canonical, upper-case name of a supported runtime.
type Language string

const (
	Python     Language = "PYTHON"
	JavaScript Language = "JAVASCRIPT"
	Java       Language = "JAVA"
	Cpp        Language = "CPP"
	Go         Language = "GO"
	Rust       Language = "RUST"
	Ruby       Language = "RUBY"
	PHP        Language = "PHP"
)

// Runtime describes the runner image for one language. Runner images read the
// program from stdin and print a single JSON result object on stdout.
type Runtime interface {
	// Name returns the canonical language name.
	Name() Language

	// Image returns the runner image reference.
	Image() string

	// FileExtension is used by clients to guess a language from a file name.
	FileExtension() string

	// Aliases are alternative spellings accepted on submission.
	Aliases() []string
}

// Registry resolves submitted language names to runtimes.
type Registry struct {
	runtimes map[Language]Runtime
	aliases  map[string]Language
	images   map[Language]string
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[Language]Runtime),
		aliases:  make(map[string]Language),
		images:   make(map[Language]string),
	}
	r.Register(&PythonRuntime{})
	r.Register(&JavaScriptRuntime{})
	r.Register(&JavaRuntime{})
	r.Register(&CppRuntime{})
	r.Register(&GoRuntime{})
	r.Register(&RustRuntime{})
	r.Register(&RubyRuntime{})
	r.Register(&PHPRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
	r.aliases[strings.ToLower(string(rt.Name()))] = rt.Name()
	for _, a := range rt.Aliases() {
		r.aliases[strings.ToLower(a)] = rt.Name()
	}
}

// OverrideImage points a language at a different runner image, e.g. a
// registry-qualified tag. Unknown languages are rejected.
func (r *Registry) OverrideImage(language, image string) error {
	lang, err := r.Resolve(language)
	if err != nil {
		return err
	}
	r.images[lang] = image
	return nil
}

// Resolve normalizes a submitted language name to its canonical form.
func (r *Registry) Resolve(language string) (Language, error) {
	lang, ok := r.aliases[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return "", fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return lang, nil
}

// Get returns the runtime for the given language name or alias.
func (r *Registry) Get(language string) (Runtime, error) {
	lang, err := r.Resolve(language)
	if err != nil {
		return nil, err
	}
	return r.runtimes[lang], nil
}

// Image returns the effective runner image for a language, honoring overrides.
func (r *Registry) Image(language string) (string, error) {
	rt, err := r.Get(language)
	if err != nil {
		return "", err
	}
	if img, ok := r.images[rt.Name()]; ok {
		return img, nil
	}
	return rt.Image(), nil
}

// ByExtension finds the runtime whose source files use ext (".py", ".rs", ...).
func (r *Registry) ByExtension(ext string) (Runtime, bool) {
	for _, rt := range r.runtimes {
		if rt.FileExtension() == ext {
			return rt, true
		}
	}
	return nil, false
}

// Languages returns all registered canonical names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, string(name))
	}
	sort.Strings(langs)
	return langs
}

// Images returns the effective runner image of every registered runtime.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, lang := range r.Languages() {
		img, _ := r.Image(lang)
		images = append(images, img)
	}
	return images
}
