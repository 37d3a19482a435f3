package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Event messages are truncated by the API server past this length
const kubeEventMaxLen = 1024

// KubeConfig configures Kubernetes Event delivery
type KubeConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Kubeconfig string `toml:"kubeconfig" yaml:"kubeconfig"` // empty means in-cluster
	Namespace  string `toml:"namespace" yaml:"namespace"`
	Kind       string `toml:"kind" yaml:"kind"`
	Name       string `toml:"name" yaml:"name"`
	APIVersion string `toml:"api_version" yaml:"api_version"`
	Reason     string `toml:"reason" yaml:"reason"`
	Component  string `toml:"component" yaml:"component"`
}

// DefaultKubeConfig returns Event defaults
func DefaultKubeConfig() KubeConfig {
	return KubeConfig{
		Namespace:  "default",
		Kind:       "Deployment",
		Name:       "logwarden",
		APIVersion: "apps/v1",
		Reason:     "LogAnalysisAlert",
		Component:  "logwarden",
	}
}

// Validate checks required Event settings
func (c KubeConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("kubernetes namespace must be specified")
	}
	if c.Kind == "" || c.Name == "" {
		return errors.New("kubernetes involved object kind and name must be specified")
	}
	return nil
}

// NewKubeClient builds a clientset from a kubeconfig path, or the in-cluster
// service account when path is empty
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// KubeEvent records alerts as Warning events on a configured object
type KubeEvent struct {
	client kubernetes.Interface
	config KubeConfig
	now    func() time.Time
}

// NewKubeEvent builds a Kubernetes Event notifier
func NewKubeEvent(client kubernetes.Interface, cfg KubeConfig) *KubeEvent {
	defaults := DefaultKubeConfig()
	if cfg.Reason == "" {
		cfg.Reason = defaults.Reason
	}
	if cfg.Component == "" {
		cfg.Component = defaults.Component
	}
	return &KubeEvent{client: client, config: cfg, now: time.Now}
}

func (k *KubeEvent) Notify(ctx context.Context, subject, body string) error {
	message := truncate(subject+"\n\n"+body, kubeEventMaxLen)

	ts := k.now()
	now := metav1.NewTime(ts)
	event := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			// Same naming scheme as the client-go event recorder
			Name:      fmt.Sprintf("%s.%x", k.config.Name, ts.UnixNano()),
			Namespace: k.config.Namespace,
		},
		InvolvedObject: corev1.ObjectReference{
			Kind:       k.config.Kind,
			Name:       k.config.Name,
			Namespace:  k.config.Namespace,
			APIVersion: k.config.APIVersion,
		},
		Reason:         k.config.Reason,
		Message:        message,
		Type:           corev1.EventTypeWarning,
		Source:         corev1.EventSource{Component: k.config.Component},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}

	if _, err := k.client.CoreV1().Events(k.config.Namespace).Create(ctx, event, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create kubernetes event: %w", err)
	}
	return nil
}
