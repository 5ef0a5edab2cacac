package kubernetes

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/pointer"

	"github.com/splax/depwatch/internal/runner"
)

const jobNameLabel = "depwatch.io/job-name"

// Backend runs update jobs as batch/v1 Jobs, one Job per update with the
// proxy and updater as two containers of the same pod.
type Backend struct {
	client    kubernetes.Interface
	namespace string
}

// NewBackend creates a Kubernetes-backed job runner. It prefers in-cluster
// configuration and falls back to KUBECONFIG when running locally.
func NewBackend(namespace string) (*Backend, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Backend{client: clientset, namespace: namespace}, nil
}

// ProxyHost returns the address at which the updater reaches the proxy.
// Both containers share the pod's network namespace.
func (b *Backend) ProxyHost(string) string {
	return "localhost"
}

// Exists reports whether a Job resource by this name exists.
func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.BatchV1().Jobs(b.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get job: %w", err)
	}
	return true, nil
}

// Create applies the Job suspended and then unsuspends it to start the
// single execution.
func (b *Backend) Create(ctx context.Context, spec runner.JobSpec) error {
	job := buildJob(spec)
	jobs := b.client.BatchV1().Jobs(b.namespace)

	created, err := jobs.Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if errors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("create job: %w", err)
	}

	created.Spec.Suspend = pointer.Bool(false)
	if _, err := jobs.Update(ctx, created, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// Delete removes the Job and its pods. A missing Job is not an error.
func (b *Backend) Delete(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := b.client.BatchV1().Jobs(b.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Execution maps the Job's conditions to an execution record. A missing Job
// or one without a Complete/Failed condition yields no terminal record.
func (b *Backend) Execution(ctx context.Context, name string) (*runner.Execution, error) {
	job, err := b.client.BatchV1().Jobs(b.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	exec := &runner.Execution{Status: runner.ExecutionRunning}
	if job.Status.StartTime != nil {
		started := job.Status.StartTime.Time.UTC()
		exec.StartedAt = &started
	}
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			exec.Status = runner.ExecutionSucceeded
		case batchv1.JobFailed:
			exec.Status = runner.ExecutionFailed
		default:
			continue
		}
		finished := cond.LastTransitionTime.Time.UTC()
		if job.Status.CompletionTime != nil {
			finished = job.Status.CompletionTime.Time.UTC()
		}
		exec.FinishedAt = &finished
		return exec, nil
	}
	return exec, nil
}

// Logs reads the updater container's output from the Job's pod.
func (b *Backend) Logs(ctx context.Context, name string) (string, error) {
	pods, err := b.client.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", jobNameLabel, name),
	})
	if err != nil {
		return "", fmt.Errorf("list job pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	req := b.client.CoreV1().Pods(b.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{Container: "updater"})
	stream, err := req.Stream(ctx)
	if err != nil {
		if errors.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("stream pod logs: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("read pod logs: %w", err)
	}
	return string(data), nil
}

func buildJob(spec runner.JobSpec) *batchv1.Job {
	labels := map[string]string{
		jobNameLabel:                  spec.Name,
		"app.kubernetes.io/name":      "depwatch",
		"app.kubernetes.io/component": "update-job",
	}

	volumes, proxyMounts := jobVolumes(spec.Proxy, "proxy")
	updaterVolumes, updaterMounts := jobVolumes(spec.Updater, "updater")
	volumes = append(volumes, updaterVolumes...)

	deadline := int64(spec.Timeout.Seconds())

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			Suspend:               pointer.Bool(true),
			Parallelism:           pointer.Int32(1),
			Completions:           pointer.Int32(1),
			BackoffLimit:          pointer.Int32(1),
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						buildContainer("proxy", spec.Proxy, proxyMounts),
						buildContainer("updater", spec.Updater, updaterMounts),
					},
					Volumes: volumes,
				},
			},
		},
	}
}

func buildContainer(name string, spec runner.ContainerSpec, mounts []corev1.VolumeMount) corev1.Container {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	cpu := resource.NewMilliQuantity(int64(spec.CPU*1000), resource.DecimalSI)
	memory := resource.NewQuantity(int64(spec.MemoryMB)*1024*1024, resource.BinarySI)

	return corev1.Container{
		Name:         name,
		Image:        spec.Image,
		Command:      spec.Command,
		Env:          env,
		VolumeMounts: mounts,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    *cpu,
				corev1.ResourceMemory: *memory,
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    *cpu,
				corev1.ResourceMemory: *memory,
			},
		},
	}
}

func jobVolumes(spec runner.ContainerSpec, prefix string) ([]corev1.Volume, []corev1.VolumeMount) {
	volumes := make([]corev1.Volume, 0, len(spec.Mounts))
	mounts := make([]corev1.VolumeMount, 0, len(spec.Mounts))
	for i, m := range spec.Mounts {
		name := fmt.Sprintf("%s-%d", prefix, i)
		// Paths with an extension in the last segment are single files.
		hostType := corev1.HostPathDirectory
		if strings.Contains(m.HostPath[strings.LastIndex(m.HostPath, "/")+1:], ".") {
			hostType = corev1.HostPathFile
		}
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{
					Path: m.HostPath,
					Type: &hostType,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      name,
			MountPath: m.ContainerPath,
			ReadOnly:  m.ReadOnly,
		})
	}
	return volumes, mounts
}
