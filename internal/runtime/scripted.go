package runtime

// RubyRuntime runs MRI Ruby scripts.
type RubyRuntime struct{}

func (r *RubyRuntime) Name() Language { return Ruby }

func (r *RubyRuntime) Image() string { return "polyglot-ruby-runner" }

func (r *RubyRuntime) FileExtension() string { return ".rb" }

func (r *RubyRuntime) Aliases() []string { return []string{"rb"} }

// PHPRuntime runs PHP CLI scripts.
type PHPRuntime struct{}

func (p *PHPRuntime) Name() Language { return PHP }

func (p *PHPRuntime) Image() string { return "polyglot-php-runner" }

func (p *PHPRuntime) FileExtension() string { return ".php" }

func (p *PHPRuntime) Aliases() []string { return nil }
