package app

import (
	"go.uber.org/zap"

	"github.com/askiada/go-actions-cache/internal/envexport"
)

const githubEnvEnv = "GITHUB_ENV"

type ExportEnvCmd struct {
	Prefix    string `default:"ACTIONS_" help:"Prefix of the exported variables"`
	GithubEnv string `name:"github-env" help:"Env file read by later steps (default: $GITHUB_ENV, else standard output)"`
}

func runExportEnv(rc runContext) error {
	cmd := rc.cli.ExportEnv
	vars := envexport.Select(rc.deps.Environ(), cmd.Prefix)

	names := make([]string, 0, len(vars))
	for _, v := range vars {
		names = append(names, v.Name)
	}
	rc.logger.Info("exporting variables", zap.String("prefix", cmd.Prefix), zap.Strings("names", names))

	path := cmd.GithubEnv
	if path == "" {
		path = rc.deps.Getenv(githubEnvEnv)
	}
	if path == "" {
		return envexport.Write(rc.deps.Out, vars)
	}

	return envexport.Export(path, vars)
}
