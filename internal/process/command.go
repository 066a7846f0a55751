package process

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
)

// Quote returns s quoted for a POSIX shell when needed.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,+@%", r)
}

// Join quotes and joins argv into one shell command line.
func Join(argv ...string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

// BuildCommand returns the shell command line for job. Jobs with more than
// one MPI process are wrapped with the host's MPI command template.
func BuildCommand(job model.Job, host *hosts.Host) (string, error) {
	if job.Program == "" {
		return "", fmt.Errorf("build command: empty program")
	}
	cmd := Join(append([]string{job.Program}, job.Args...)...)
	if job.MPI <= 1 {
		return cmd, nil
	}

	mpiTemplate := hosts.DefaultMPICommand
	if host != nil && host.MPICommand != "" {
		mpiTemplate = host.MPICommand
	}
	wrapped, err := hosts.Render("mpi_command", mpiTemplate, map[string]any{
		"JOB_NODES": job.MPI,
		"COMMAND":   cmd,
	})
	if err != nil {
		return "", fmt.Errorf("build mpi command: %w", err)
	}
	return wrapped, nil
}

// GPUEnv returns the CUDA_VISIBLE_DEVICES entry for gpus, or "" for none.
func GPUEnv(gpus []int) string {
	if len(gpus) == 0 {
		return ""
	}
	ids := make([]string, len(gpus))
	for i, g := range gpus {
		ids[i] = strconv.Itoa(g)
	}
	return "CUDA_VISIBLE_DEVICES=" + strings.Join(ids, ",")
}
