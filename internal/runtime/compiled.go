package runtime

// Compiled languages. The runner images compile into /tmp and run the result,
// so compile errors come back as an unsuccessful payload like any other failure.

type JavaRuntime struct{}

func (j *JavaRuntime) Name() Language { return Java }

func (j *JavaRuntime) Image() string { return "polyglot-java-runner" }

func (j *JavaRuntime) FileExtension() string { return ".java" }

func (j *JavaRuntime) Aliases() []string { return nil }

type CppRuntime struct{}

func (c *CppRuntime) Name() Language { return Cpp }

func (c *CppRuntime) Image() string { return "polyglot-cpp-runner" }

func (c *CppRuntime) FileExtension() string { return ".cpp" }

func (c *CppRuntime) Aliases() []string { return []string{"c++", "cxx"} }

type RustRuntime struct{}

func (r *RustRuntime) Name() Language { return Rust }

func (r *RustRuntime) Image() string { return "polyglot-rust-runner" }

func (r *RustRuntime) FileExtension() string { return ".rs" }

func (r *RustRuntime) Aliases() []string { return []string{"rs"} }
