// Package playbook provides playbook parsing, validation, and compilation
// into engine definitions.
//
// # Overview
//
// Playbooks are authored in CUE or YAML. The loader parses a source into a
// Document, validates it against struct constraints and the built-in CUE
// schemas, applies the optional Starlark variables script, and compiles the
// result into an engine.PlaybookDefinition ready for scheduling.
//
// # Components
//
// Loader: Parses files, directories, and inline content. CUE sources get full
// constraint evaluation and unification; YAML sources are decoded directly.
//
// SchemaRegistry: Manages CUE schemas for structural validation beyond struct
// tags. Ships with schemas for playbooks, steps, criteria, and modules;
// custom schemas can be registered.
//
// StarlarkEvaluator: Sandboxed script execution for computed variables, with
// timeout enforcement and Go/Starlark type conversion.
//
// # Usage Example
//
//	loader := playbook.NewLoader()
//
//	doc, err := loader.Load(ctx, "deploy.cue")
//	if err != nil {
//	    return err
//	}
//
//	def, err := doc.Compile()
//	if err != nil {
//	    return err
//	}
//
//	criteria := doc.SuccessCriteria()
//	modules := doc.ModuleDescriptors()
//
// # Playbook Structure
//
// A CUE playbook nests the document under the top-level playbook field:
//
//	playbook: {
//	    name: "deploy-web"
//	    variables: {
//	        region: "eu-west-1"
//	    }
//	    modules: [
//	        {name: "core"},
//	        {name: "web", requires: ["core"]},
//	    ]
//	    stages: [
//	        {
//	            name: "prepare"
//	            steps: [
//	                {target: "pkg.install", timeout: "2m", parameters: {name: "nginx"}},
//	            ]
//	        },
//	        {
//	            name: "deploy"
//	            steps: [
//	                {target: "file.copy", timeout: "30s", group: "files"},
//	                {target: "file.template", timeout: "30s", group: "files"},
//	                {target: "service", timeout: "1m", retry_count: 2},
//	            ]
//	        },
//	    ]
//	    criteria: {
//	        critical_steps: ["service"]
//	    }
//	}
//
// The same document in YAML omits the wrapper: the file root is the playbook.
//
// # Computed Variables
//
// A variables script runs before the playbook executes, with the authored
// variables predeclared. Its exported globals merge over the variables:
//
//	variables_script: """
//	    replicas = 3
//	    hosts = ["web-" + str(i) for i in range(replicas)]
//	    """
//
// Scripts are sandboxed: no filesystem, no network, print suppressed, and a
// timeout is enforced.
//
// # Error Handling
//
// Parse and validation failures carry source locations:
//
//	ValidationError{
//	    File: "deploy.cue",
//	    Line: 12,
//	    Column: 5,
//	    Message: "steps[0].timeout: invalid duration",
//	    Severity: "error",
//	}
//
// # Thread Safety
//
// A Loader and its SchemaRegistry are safe for concurrent use.
package playbook
