package runtime

// JavaScriptRuntime runs programs on Node.js. The image keeps the historic
// "nodejs" name.
type JavaScriptRuntime struct{}

func (j *JavaScriptRuntime) Name() Language { return JavaScript }

func (j *JavaScriptRuntime) Image() string { return "polyglot-nodejs-runner" }

func (j *JavaScriptRuntime) FileExtension() string { return ".js" }

func (j *JavaScriptRuntime) Aliases() []string { return []string{"js", "node", "nodejs"} }
