package runtime

// GoRuntime compiles and runs a single-file main package.
type GoRuntime struct{}

func (g *GoRuntime) Name() Language { return Go }

func (g *GoRuntime) Image() string { return "polyglot-go-runner" }

func (g *GoRuntime) FileExtension() string { return ".go" }

func (g *GoRuntime) Aliases() []string { return []string{"golang"} }
