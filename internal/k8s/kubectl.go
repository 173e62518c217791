// internal/k8s/kubectl.go
package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/hostplane/internal/command"
)

// Kubectl drives kubectl on an execution target. Manifests are staged as
// temporary files on that target and removed on every exit path.
type Kubectl struct {
	runner     command.Runner
	binary     string
	tempDir    string
	kubeconfig string
	timeout    time.Duration
}

// KubectlOption configures a Kubectl.
type KubectlOption func(*Kubectl)

// WithBinary overrides the kubectl executable.
func WithBinary(binary string) KubectlOption {
	return func(k *Kubectl) {
		if binary != "" {
			k.binary = binary
		}
	}
}

// WithTempDir sets where manifests are staged.
func WithTempDir(dir string) KubectlOption {
	return func(k *Kubectl) {
		if dir != "" {
			k.tempDir = dir
		}
	}
}

// WithKubeconfig passes --kubeconfig on every invocation.
func WithKubeconfig(path string) KubectlOption {
	return func(k *Kubectl) { k.kubeconfig = path }
}

// WithCommandTimeout bounds each kubectl call.
func WithCommandTimeout(d time.Duration) KubectlOption {
	return func(k *Kubectl) { k.timeout = d }
}

// NewKubectl creates a kubectl driver running through r.
func NewKubectl(r command.Runner, opts ...KubectlOption) *Kubectl {
	k := &Kubectl{runner: r, binary: "kubectl", tempDir: "/tmp"}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Runner returns the execution target.
func (k *Kubectl) Runner() command.Runner { return k.runner }

func (k *Kubectl) command(args ...string) command.Command {
	if k.kubeconfig != "" {
		args = append([]string{"--kubeconfig", k.kubeconfig}, args...)
	}
	cmd := command.New(k.binary, args...)
	cmd.Timeout = k.timeout
	return cmd
}

// Apply stages manifest, runs kubectl apply on it and removes the staged
// file whether or not apply succeeded.
func (k *Kubectl) Apply(ctx context.Context, manifest string) (err error) {
	staged := path.Join(k.tempDir, "hostplane-"+uuid.NewString()+".yaml")
	if err := k.runner.WriteFile(ctx, staged, []byte(manifest), 0o600); err != nil {
		return fmt.Errorf("stage manifest: %w", err)
	}
	defer func() {
		// Cleanup must run even when ctx is already done.
		if rmErr := k.runner.Remove(context.WithoutCancel(ctx), staged); rmErr != nil && err == nil {
			err = fmt.Errorf("remove staged manifest: %w", rmErr)
		}
	}()

	if _, err := command.Output(ctx, k.runner, k.command("apply", "-f", staged)); err != nil {
		return err
	}
	return nil
}

// Delete removes an object; an absent object is not an error.
func (k *Kubectl) Delete(ctx context.Context, kind, name, namespace string) error {
	_, err := command.Output(ctx, k.runner, k.command("delete", kind, name, "-n", namespace, "--ignore-not-found"))
	return err
}

// GetJSON reads an object into out. found is false when it does not exist.
func (k *Kubectl) GetJSON(ctx context.Context, kind, name, namespace string, out any) (bool, error) {
	stdout, err := command.Output(ctx, k.runner, k.command("get", kind, name, "-n", namespace, "-o", "json", "--ignore-not-found"))
	if err != nil {
		return false, err
	}
	if stdout == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return true, fmt.Errorf("decode %s/%s: %w", kind, name, err)
	}
	return true, nil
}

// Scale sets a Deployment's replica count.
func (k *Kubectl) Scale(ctx context.Context, deployment, namespace string, replicas int32) error {
	_, err := command.Output(ctx, k.runner, k.command("scale", "deployment/"+deployment,
		"-n", namespace, "--replicas="+strconv.Itoa(int(replicas))))
	return err
}

// PodMetrics is one line of kubectl top.
type PodMetrics struct {
	Pod    string `json:"pod"`
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// TopPods reports current usage of the pods matching selector. It needs
// metrics-server in the cluster.
func (k *Kubectl) TopPods(ctx context.Context, namespace, selector string) ([]PodMetrics, error) {
	args := []string{"top", "pods", "-n", namespace, "--no-headers"}
	if selector != "" {
		args = append(args, "-l", selector)
	}
	stdout, err := command.Output(ctx, k.runner, k.command(args...))
	if err != nil {
		return nil, err
	}
	return parseTop(stdout), nil
}

func parseTop(out string) []PodMetrics {
	var result []PodMetrics
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		result = append(result, PodMetrics{Pod: fields[0], CPU: fields[1], Memory: fields[2]})
	}
	return result
}
