// internal/k8s/workload_test.go
package k8s

import (
	"strings"
	"testing"
)

func TestBuildSiteDeployment(t *testing.T) {
	labels := DomainLabels("shop.example.com")
	d := BuildSiteDeployment(SiteConfig{
		Name:         "web-shop-example-com",
		Namespace:    "hosting-shop-example-com",
		Labels:       labels,
		NginxImage:   "nginx:1.27-alpine",
		PHPImage:     "php:8.3-fpm-alpine",
		DocumentRoot: "/var/www/html/shop.example.com",
		ConfigMap:    "web-shop-example-com-nginx",
	})

	if *d.Spec.Replicas != 1 {
		t.Errorf("expected one replica, got %d", *d.Spec.Replicas)
	}
	if d.Spec.Selector.MatchLabels[LabelComponent] != ComponentSite {
		t.Error("selector must include the site component")
	}
	if _, ok := labels[LabelComponent]; ok {
		t.Error("caller labels must not be mutated")
	}

	pod := d.Spec.Template.Spec
	if len(pod.Containers) != 2 {
		t.Fatalf("expected nginx and php containers, got %d", len(pod.Containers))
	}
	nginx, php := pod.Containers[0], pod.Containers[1]
	if nginx.Name != "nginx" || php.Name != "php" {
		t.Errorf("unexpected container names %s, %s", nginx.Name, php.Name)
	}
	if php.Ports[0].ContainerPort != 9000 {
		t.Errorf("expected fastcgi on 9000, got %d", php.Ports[0].ContainerPort)
	}
	if nginx.VolumeMounts[0].MountPath != "/etc/nginx/conf.d" {
		t.Errorf("expected conf.d mount, got %s", nginx.VolumeMounts[0].MountPath)
	}
	if pod.Volumes[1].ConfigMap.Name != "web-shop-example-com-nginx" {
		t.Error("expected the site configmap volume")
	}
	if pod.AutomountServiceAccountToken == nil || *pod.AutomountServiceAccountToken {
		t.Error("service account token must not be mounted")
	}
	if _, ok := php.Resources.Requests["cpu"]; !ok {
		t.Error("php needs a cpu request for autoscaling")
	}
}

func TestBuildSiteConfigMap(t *testing.T) {
	cm := BuildSiteConfigMap("web-nginx", "hosting-a", nil, []byte("server {}\n"))
	if cm.Data["default.conf"] != "server {}\n" {
		t.Errorf("unexpected data %v", cm.Data)
	}
}

func TestBuildService(t *testing.T) {
	svc := BuildService("web", "hosting-a", nil, map[string]string{LabelDeploy: "d1"})
	if svc.Spec.Selector[LabelDeploy] != "d1" {
		t.Error("expected selector to be kept")
	}
	if svc.Spec.Ports[0].Port != 80 || svc.Spec.Ports[0].TargetPort.IntValue() != 80 {
		t.Errorf("unexpected ports %+v", svc.Spec.Ports)
	}
}

func TestBuildWorkloadPod(t *testing.T) {
	pod := BuildWorkloadPod(WorkloadConfig{
		PodName:       "web-shop-example-com-0a1b2c3d",
		ContainerName: "web-shop-example-com-4e5f6a7b",
		Namespace:     "hosting-shop-example-com",
		Labels:        map[string]string{LabelDeploy: "d1"},
		Image:         "php:8.3-apache",
		GitImage:      "alpine/git:2.45.2",
		RepositoryURL: "https://git.example.com/shop.git",
		DeployPath:    "/var/www/html",
		Env:           map[string]string{"B": "2", "A": "1"},
	})

	if pod.Labels[LabelComponent] != ComponentWorkload {
		t.Error("expected workload component label")
	}
	if pod.Annotations["hostplane.io/container-name"] != "web-shop-example-com-4e5f6a7b" {
		t.Error("container name must be traceable from the pod")
	}

	clone := strings.Join(pod.Spec.InitContainers[0].Args, " ")
	if clone != "clone --depth 1 -- https://git.example.com/shop.git /workspace" {
		t.Errorf("unexpected clone args '%s'", clone)
	}

	web := pod.Spec.Containers[0]
	if web.Name != "web" {
		t.Errorf("expected web container, got %s", web.Name)
	}
	if web.Env[0].Name != "A" || web.Env[1].Name != "B" {
		t.Errorf("env must be sorted, got %v", web.Env)
	}
	if web.VolumeMounts[0].MountPath != "/var/www/html" {
		t.Errorf("expected deploy path mount, got %s", web.VolumeMounts[0].MountPath)
	}
}

func TestBuildWorkloadPodBranch(t *testing.T) {
	pod := BuildWorkloadPod(WorkloadConfig{RepositoryURL: "https://x/y.git", Branch: "release", DeployPath: "/srv"})
	clone := strings.Join(pod.Spec.InitContainers[0].Args, " ")
	if !strings.Contains(clone, "--branch release --") {
		t.Errorf("expected branch before separator, got '%s'", clone)
	}
}
