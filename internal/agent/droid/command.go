package droid

// commandOptions are the per-process settings of a droid exec invocation
type commandOptions struct {
	Model     string
	Autonomy  string
	Reasoning string
	SessionID string
	WorkDir   string
}

// buildArgs returns the droid exec arguments for a stream-jsonrpc session.
// The process is started without a shell, so nothing is quoted.
func buildArgs(opts commandOptions) []string {
	args := []string{"exec", "-m", opts.Model}
	args = append(args, autonomyFlags(opts.Autonomy)...)
	args = append(args, reasoningFlags(opts.Reasoning)...)

	// Session continuation
	if opts.SessionID != "" {
		args = append(args, "-s", opts.SessionID)
	}

	args = append(args, "-o", "stream-jsonrpc", "--input-format", "stream-jsonrpc")

	if opts.WorkDir != "" {
		args = append(args, "--cwd", opts.WorkDir)
	}
	return args
}

// autonomyFlags maps an autonomy level to droid flags. Off means no
// permission checks at all.
func autonomyFlags(autonomy string) []string {
	switch autonomy {
	case "high", "medium", "low":
		return []string{"--auto", autonomy}
	default:
		return []string{"--skip-permissions-unsafe"}
	}
}

func reasoningFlags(reasoning string) []string {
	switch reasoning {
	case "low", "medium", "high":
		return []string{"-r", reasoning}
	default:
		return nil
	}
}
