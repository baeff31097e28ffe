package runtime

// PythonRuntime runs CPython 3 programs.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() Language { return Python }

func (p *PythonRuntime) Image() string { return "polyglot-python-runner" }

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Aliases() []string { return []string{"py", "python3"} }
