package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/simerusm/quickdeploy/internal/runtime"
)

// ServicePort is the port every Service exposes to the ingress controller.
const ServicePort = 80

// failingReasons are container waiting reasons that will not recover on their own.
var failingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
}

// Options configures a Manager.
type Options struct {
	Namespace    string
	IngressClass string
	PollInterval time.Duration
}

// Manager provisions release workloads inside Kubernetes.
type Manager struct {
	client       kubernetes.Interface
	namespace    string
	ingressClass string
	poll         time.Duration
	logger       *slog.Logger
}

// New creates a Kubernetes-backed manager. It prefers in-cluster configuration
// and falls back to the kubeconfig path when running locally.
func New(kubeconfig string, opts Options, log *slog.Logger) (*Manager, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig = strings.TrimSpace(kubeconfig)
		if kubeconfig == "" {
			kubeconfig = clientcmd.RecommendedHomeFile
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
	return NewWithClient(clientset, opts, log), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, opts Options, log *slog.Logger) *Manager {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client:       client,
		namespace:    opts.Namespace,
		ingressClass: opts.IngressClass,
		poll:         opts.PollInterval,
		logger:       log,
	}
}

// Ping verifies the API server is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.client.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("kubernetes server version: %w", err)
	}
	return nil
}

// Apply creates or updates the Deployment, Service and Ingress of every workload.
func (m *Manager) Apply(ctx context.Context, release runtime.Release) error {
	if strings.TrimSpace(release.DeploymentID) == "" {
		return fmt.Errorf("deployment id required")
	}
	if len(release.Workloads) == 0 {
		return fmt.Errorf("release has no workloads")
	}
	for _, w := range release.Workloads {
		if w.Name == "" || w.Image == "" {
			return fmt.Errorf("workload %q: name and image required", w.Service)
		}
		if err := m.applyDeployment(ctx, m.renderDeployment(release.DeploymentID, w)); err != nil {
			return err
		}
		if err := m.applyService(ctx, m.renderService(release.DeploymentID, w)); err != nil {
			return err
		}
		if err := m.applyIngress(ctx, m.renderIngress(release.DeploymentID, w)); err != nil {
			return err
		}
		m.logger.Info("workload applied", "deployment_id", release.DeploymentID, "service", w.Service, "name", w.Name, "host", w.Host)
	}
	return nil
}

// WaitReady polls until every workload's Deployment has rolled out. A container
// stuck in an unrecoverable state fails fast with an error.
func (m *Manager) WaitReady(ctx context.Context, release runtime.Release, timeout time.Duration) (bool, []runtime.Endpoint, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ready := make(map[string]bool, len(release.Workloads))
	var failure error
	err := wait.PollUntilContextTimeout(ctx, m.poll, timeout, true, func(ctx context.Context) (bool, error) {
		for _, w := range release.Workloads {
			if ready[w.Name] {
				continue
			}
			ok, err := m.workloadReady(ctx, release.DeploymentID, w)
			if err != nil {
				failure = err
				return false, err
			}
			ready[w.Name] = ok
		}
		for _, w := range release.Workloads {
			if !ready[w.Name] {
				return false, nil
			}
		}
		return true, nil
	})

	endpoints := make([]runtime.Endpoint, 0, len(release.Workloads))
	for _, w := range release.Workloads {
		endpoints = append(endpoints, runtime.Endpoint{Service: w.Service, Host: w.Host, Ready: ready[w.Name]})
	}
	if failure != nil {
		return false, endpoints, failure
	}
	if err != nil {
		// The parent context ending is not a timeout.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, endpoints, ctxErr
		}
		if wait.Interrupted(err) {
			return false, endpoints, nil
		}
		return false, endpoints, err
	}
	return true, endpoints, nil
}

// Teardown removes every object labelled with the deployment id. Missing
// objects are not an error.
func (m *Manager) Teardown(ctx context.Context, deploymentID string) error {
	if strings.TrimSpace(deploymentID) == "" {
		return fmt.Errorf("deployment id required")
	}
	list := metav1.ListOptions{LabelSelector: labelSelector(deploymentID)}
	background := metav1.DeletePropagationBackground
	del := metav1.DeleteOptions{PropagationPolicy: &background}
	var errs []error

	ingresses, err := m.client.NetworkingV1().Ingresses(m.namespace).List(ctx, list)
	if err != nil {
		errs = append(errs, fmt.Errorf("list ingresses: %w", err))
	} else {
		for _, item := range ingresses.Items {
			if err := m.client.NetworkingV1().Ingresses(m.namespace).Delete(ctx, item.Name, del); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete ingress %s: %w", item.Name, err))
			}
		}
	}

	services, err := m.client.CoreV1().Services(m.namespace).List(ctx, list)
	if err != nil {
		errs = append(errs, fmt.Errorf("list services: %w", err))
	} else {
		for _, item := range services.Items {
			if err := m.client.CoreV1().Services(m.namespace).Delete(ctx, item.Name, del); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete service %s: %w", item.Name, err))
			}
		}
	}

	deployments, err := m.client.AppsV1().Deployments(m.namespace).List(ctx, list)
	if err != nil {
		errs = append(errs, fmt.Errorf("list deployments: %w", err))
	} else {
		for _, item := range deployments.Items {
			if err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, item.Name, del); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("delete deployment %s: %w", item.Name, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info("release torn down", "deployment_id", deploymentID)
	return nil
}

func (m *Manager) workloadReady(ctx context.Context, deploymentID string, w runtime.Workload) (bool, error) {
	deployment, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, w.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, fmt.Errorf("deployment %s disappeared", w.Name)
		}
		// Transient API errors are retried on the next tick.
		m.logger.Warn("get deployment failed", "name", w.Name, "error", err)
		return false, nil
	}
	if rolledOut(deployment) {
		return true, nil
	}

	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: workloadSelector(deploymentID, w.Service)})
	if err != nil {
		m.logger.Warn("list pods failed", "name", w.Name, "error", err)
		return false, nil
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodFailed {
			msg := pod.Status.Message
			if msg == "" {
				msg = containerMessage(pod.Status.ContainerStatuses)
			}
			return false, fmt.Errorf("pod %s failed: %s", pod.Name, msg)
		}
		if reason := containerReason(pod.Status.ContainerStatuses); failingReasons[reason] {
			return false, fmt.Errorf("pod %s: %s: %s", pod.Name, reason, containerMessage(pod.Status.ContainerStatuses))
		}
	}
	return false, nil
}

func rolledOut(d *appsv1.Deployment) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	return d.Status.UpdatedReplicas >= want && d.Status.ReadyReplicas >= want && d.Status.AvailableReplicas >= want
}

func (m *Manager) renderDeployment(deploymentID string, w runtime.Workload) *appsv1.Deployment {
	labels := workloadLabels(deploymentID, w.Service)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.Name,
			Namespace: m.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             ptr.To[int32](1),
			RevisionHistoryLimit: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					runtime.DeploymentLabel: deploymentID,
					runtime.ServiceLabel:    serviceLabel(w.Service),
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{buildContainer(w)},
				},
			},
		},
	}
}

func (m *Manager) renderService(deploymentID string, w runtime.Workload) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.Name,
			Namespace: m.namespace,
			Labels:    workloadLabels(deploymentID, w.Service),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{
				runtime.DeploymentLabel: deploymentID,
				runtime.ServiceLabel:    serviceLabel(w.Service),
			},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       ServicePort,
				TargetPort: intstr.FromInt32(int32(w.Port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

func (m *Manager) renderIngress(deploymentID string, w runtime.Workload) *networkingv1.Ingress {
	prefix := networkingv1.PathTypePrefix
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.Name,
			Namespace: m.namespace,
			Labels:    workloadLabels(deploymentID, w.Service),
			Annotations: map[string]string{
				"nginx.ingress.kubernetes.io/ssl-redirect": "false",
			},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: w.Host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &prefix,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: w.Name,
									Port: networkingv1.ServiceBackendPort{Number: ServicePort},
								},
							},
						}},
					},
				},
			}},
		},
	}
	if m.ingressClass != "" {
		ingress.Spec.IngressClassName = ptr.To(m.ingressClass)
	}
	return ingress
}

func (m *Manager) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := m.client.AppsV1().Deployments(m.namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (m *Manager) applyService(ctx context.Context, desired *corev1.Service) error {
	services := m.client.CoreV1().Services(m.namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, getErr := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get service: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

func (m *Manager) applyIngress(ctx context.Context, desired *networkingv1.Ingress) error {
	ingresses := m.client.NetworkingV1().Ingresses(m.namespace)
	_, err := ingresses.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create ingress: %w", err)
	}
	existing, getErr := ingresses.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get ingress: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := ingresses.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update ingress: %w", err)
	}
	return nil
}

func buildContainer(w runtime.Workload) corev1.Container {
	env := []corev1.EnvVar{{Name: "PORT", Value: strconv.Itoa(w.Port)}}
	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		if k != "PORT" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: w.Env[k]})
	}

	probe := corev1.ProbeHandler{
		TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(int32(w.Port))},
	}
	return corev1.Container{
		Name:            "app",
		Image:           w.Image,
		ImagePullPolicy: corev1.PullAlways,
		Ports: []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: int32(w.Port),
		}},
		Env: env,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("512Mi"),
			},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler:        probe,
			InitialDelaySeconds: 3,
			PeriodSeconds:       5,
			FailureThreshold:    6,
		},
		LivenessProbe: &corev1.Probe{
			ProbeHandler:        probe,
			InitialDelaySeconds: 20,
			PeriodSeconds:       20,
			FailureThreshold:    6,
		},
	}
}

func workloadLabels(deploymentID, service string) map[string]string {
	return map[string]string{
		runtime.DeploymentLabel:        deploymentID,
		runtime.ServiceLabel:           serviceLabel(service),
		"app.kubernetes.io/managed-by": "quickdeploy",
	}
}

func serviceLabel(service string) string {
	if service == "" {
		return "main"
	}
	return service
}

func labelSelector(deploymentID string) string {
	return fmt.Sprintf("%s=%s", runtime.DeploymentLabel, deploymentID)
}

func workloadSelector(deploymentID, service string) string {
	return fmt.Sprintf("%s,%s=%s", labelSelector(deploymentID), runtime.ServiceLabel, serviceLabel(service))
}

func containerReason(statuses []corev1.ContainerStatus) string {
	for _, s := range statuses {
		if s.State.Waiting != nil && s.State.Waiting.Reason != "" {
			return s.State.Waiting.Reason
		}
		if s.State.Terminated != nil && s.State.Terminated.Reason != "" {
			return s.State.Terminated.Reason
		}
	}
	return ""
}

func containerMessage(statuses []corev1.ContainerStatus) string {
	for _, s := range statuses {
		if s.State.Waiting != nil && s.State.Waiting.Message != "" {
			return s.State.Waiting.Message
		}
		if s.State.Terminated != nil && s.State.Terminated.Message != "" {
			return s.State.Terminated.Message
		}
	}
	return ""
}

var _ runtime.Manager = (*Manager)(nil)
