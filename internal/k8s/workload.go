// internal/k8s/workload.go
package k8s

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Components distinguish the long running site from one-off workloads.
const (
	ComponentSite     = "site"
	ComponentWorkload = "workload"
)

// FieldManager identifies hostplane in managedFields.
const FieldManager = "hostplane"

const (
	siteVolume   = "site"
	nginxVolume  = "nginx-conf"
	nginxConfKey = "default.conf"
)

// SiteConfig describes the Deployment serving one virtual host: an nginx
// container and a php-fpm container sharing the pod network.
type SiteConfig struct {
	Name         string
	Namespace    string
	Labels       map[string]string
	NginxImage   string
	PHPImage     string
	DocumentRoot string
	ConfigMap    string
}

// BuildSiteConfigMap carries the rendered server block.
func BuildSiteConfigMap(name, namespace string, labels map[string]string, serverBlock []byte) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: copyStringMap(labels)},
		Data:       map[string]string{nginxConfKey: string(serverBlock)},
	}
}

// BuildSiteDeployment renders the Deployment autoscalers target. Replicas
// start at one; updates keep whatever the cluster runs.
func BuildSiteDeployment(cfg SiteConfig) *appsv1.Deployment {
	labels := copyStringMap(cfg.Labels)
	labels[LabelComponent] = ComponentSite
	mount := corev1.VolumeMount{Name: siteVolume, MountPath: cfg.DocumentRoot}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: cfg.Name, Namespace: cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: Ptr(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: copyStringMap(labels)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: copyStringMap(labels)},
				Spec: corev1.PodSpec{
					AutomountServiceAccountToken: Ptr(false),
					SecurityContext:              TenantPodSecurity(),
					Containers: []corev1.Container{
						{
							Name:  "nginx",
							Image: cfg.NginxImage,
							Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: 80}},
							VolumeMounts: []corev1.VolumeMount{
								{Name: nginxVolume, MountPath: "/etc/nginx/conf.d", ReadOnly: true},
								{Name: siteVolume, MountPath: cfg.DocumentRoot, ReadOnly: true},
							},
							Resources:       ProfileNginx.Requirements(),
							SecurityContext: BaselineContainerSecurity(),
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("http")},
								},
								PeriodSeconds: 10,
							},
						},
						{
							Name:            "php",
							Image:           cfg.PHPImage,
							Ports:           []corev1.ContainerPort{{Name: "fastcgi", ContainerPort: 9000}},
							VolumeMounts:    []corev1.VolumeMount{mount},
							Resources:       ProfilePHP.Requirements(),
							SecurityContext: BaselineContainerSecurity(),
						},
					},
					Volumes: []corev1.Volume{
						{Name: siteVolume, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
						{Name: nginxVolume, VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: cfg.ConfigMap},
							},
						}},
					},
				},
			},
		},
	}
}

// BuildService exposes port 80 of the pods matching selector.
func BuildService(name, namespace string, labels, selector map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: copyStringMap(labels)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: copyStringMap(selector),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       80,
				TargetPort: intstr.FromInt32(80),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// WorkloadConfig describes one isolated git deployment.
type WorkloadConfig struct {
	PodName       string
	ContainerName string
	Namespace     string
	Labels        map[string]string
	Image         string
	GitImage      string
	RepositoryURL string
	Branch        string
	DeployPath    string
	Env           map[string]string
}

// BuildWorkloadPod renders a pod whose init container clones the
// repository into a volume the web container mounts at DeployPath.
func BuildWorkloadPod(cfg WorkloadConfig) *corev1.Pod {
	labels := copyStringMap(cfg.Labels)
	labels[LabelComponent] = ComponentWorkload

	clone := []string{"clone", "--depth", "1"}
	if cfg.Branch != "" {
		clone = append(clone, "--branch", cfg.Branch)
	}
	clone = append(clone, "--", cfg.RepositoryURL, "/workspace")

	env := make([]corev1.EnvVar, 0, len(cfg.Env))
	for _, k := range sortedKeys(cfg.Env) {
		env = append(env, corev1.EnvVar{Name: k, Value: cfg.Env[k]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        cfg.PodName,
			Namespace:   cfg.Namespace,
			Labels:      labels,
			Annotations: map[string]string{"hostplane.io/container-name": cfg.ContainerName},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyAlways,
			AutomountServiceAccountToken: Ptr(false),
			SecurityContext:              TenantPodSecurity(),
			InitContainers: []corev1.Container{{
				Name:            "git-clone",
				Image:           cfg.GitImage,
				Args:            clone,
				VolumeMounts:    []corev1.VolumeMount{{Name: siteVolume, MountPath: "/workspace"}},
				Resources:       ProfileInit.Requirements(),
				SecurityContext: BaselineContainerSecurity(),
			}},
			Containers: []corev1.Container{{
				Name:            "web",
				Image:           cfg.Image,
				Env:             env,
				Ports:           []corev1.ContainerPort{{Name: "http", ContainerPort: 80}},
				VolumeMounts:    []corev1.VolumeMount{{Name: siteVolume, MountPath: cfg.DeployPath}},
				Resources:       ProfilePHP.Requirements(),
				SecurityContext: BaselineContainerSecurity(),
			}},
			Volumes: []corev1.Volume{{
				Name:         siteVolume,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}
}
