package executor

import (
	"fmt"
	"strings"

	"github.com/praveen70140/PageForge/internal/domain"
)

// Container layout shared between the generated script and the executor.
const (
	// WorkDir is the container working directory builds run under.
	WorkDir = "/build"
	// ZipMountPath is where a source ZIP is bind-mounted read-only.
	ZipMountPath = "/tmp/source.zip"
	// GitTokenEnv carries the git auth token into the container. The
	// generated script only ever references it symbolically, so the token
	// never appears in the script text.
	GitTokenEnv = "GIT_AUTH_TOKEN"
)

// Shell builtins that never need a pre-flight PATH check.
var shellBuiltins = map[string]struct{}{
	"cd":     {},
	"echo":   {},
	"set":    {},
	"export": {},
	"true":   {},
}

// GenerateBuildScript produces the shell program run as the build
// container's entrypoint. Output is deterministic: identical inputs yield
// byte-identical scripts.
func GenerateBuildScript(source domain.SourceSnapshot, cfg domain.BuildConfig, image string) string {
	lines := []string{
		"set -e",
		"mkdir -p /build && cd /build",
	}

	if source.Type == domain.SourceGit {
		lines = append(lines,
			`echo "Installing git..."`,
			`(apk add --no-cache git 2>/dev/null || (apt-get update -qq && apt-get install -y -qq git 2>/dev/null)) || true`,
		)
		branch := source.GitBranch
		if branch == "" {
			branch = "main"
		}
		if source.GitToken != "" {
			lines = append(lines,
				`echo "Configuring git credentials..."`,
				`git config --global credential.helper '!f() { echo "username=oauth2"; echo "password=$`+GitTokenEnv+`"; }; f'`,
			)
		}
		lines = append(lines,
			`echo "Cloning repository..."`,
			fmt.Sprintf(`git clone --depth 1 --branch %q %q app`, branch, source.GitURL),
			"cd app",
		)
	} else {
		lines = append(lines,
			`echo "Installing unzip..."`,
			`(apk add --no-cache unzip 2>/dev/null || (apt-get update -qq && apt-get install -y -qq unzip 2>/dev/null)) || true`,
			`echo "Extracting source archive..."`,
			"mkdir -p app && cd app",
			"unzip -q "+ZipMountPath+" -d .",
			// An archive wrapping everything in one top-level folder is
			// flattened so build commands run against the project root.
			`if [ $(ls -d */ 2>/dev/null | wc -l) -eq 1 ] && [ ! -f package.json ]; then`,
			`  INNER=$(ls -d */); cp -a "$INNER". .; rm -rf "$INNER"`,
			"fi",
		)
	}

	lines = append(lines,
		`echo "--- Environment diagnostics ---"`,
		`echo "Node: $(node --version 2>/dev/null || echo 'NOT FOUND')"`,
		`echo "npm:  $(npm --version 2>/dev/null || echo 'NOT FOUND')"`,
		`echo "yarn: $(yarn --version 2>/dev/null || echo 'NOT FOUND')"`,
		`echo "pnpm: $(pnpm --version 2>/dev/null || echo 'NOT FOUND')"`,
		`echo "-------------------------------"`,
	)

	lines = append(lines, preflightCheck(cfg.InstallCommand, "install", image)...)
	lines = append(lines, preflightCheck(cfg.BuildCommand, "build", image)...)

	lines = append(lines,
		fmt.Sprintf(`echo "Running install command: %s"`, cfg.InstallCommand),
		cfg.InstallCommand,
		fmt.Sprintf(`echo "Running build command: %s"`, cfg.BuildCommand),
		cfg.BuildCommand,
		`echo "Build completed successfully"`,
	)

	return strings.Join(lines, "\n")
}

// preflightCheck verifies the command's leading binary exists on PATH and
// exits with a descriptive message before the command itself can fail with
// an opaque "command not found". Compound commands with shell operators are
// left unchecked: the leading token would not be the binary that matters.
func preflightCheck(command, label, image string) []string {
	if hasShellMetacharacters(command) {
		return nil
	}
	bin := leadingToken(command)
	if bin == "" {
		return nil
	}
	if _, builtin := shellBuiltins[bin]; builtin {
		return nil
	}
	return []string{
		fmt.Sprintf("if ! command -v %s >/dev/null 2>&1; then", bin),
		fmt.Sprintf(`  echo "ERROR: '%s' is not available in this build image (%s)."`, bin, image),
		fmt.Sprintf(`  echo "The %s command '%s' was not found. Available package managers: $(which npm yarn pnpm 2>/dev/null | tr '\n' ' ' || echo 'none detected')"`, label, bin),
		fmt.Sprintf(`  echo "Tip: Either change the %s command in project settings, or use a build image that includes '%s'."`, label, bin),
		"  exit 127",
		"fi",
	}
}

func leadingToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func hasShellMetacharacters(command string) bool {
	return strings.ContainsAny(command, "&|;<>$`()")
}
