// internal/provision/kube/objects.go
package kube

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
)

// objectClient is the create/read/update/delete surface every typed
// client-go resource interface shares.
type objectClient[T metav1.Object] interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (T, error)
	Create(ctx context.Context, obj T, opts metav1.CreateOptions) (T, error)
	Update(ctx context.Context, obj T, opts metav1.UpdateOptions) (T, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
}

// upsert creates obj or replaces the live object. keep copies fields the
// cluster owns (cluster IPs, autoscaled replicas) from the live object.
func upsert[T metav1.Object](ctx context.Context, c objectClient[T], kind string, obj T, keep func(live, desired T)) error {
	live, err := c.Get(ctx, obj.GetName(), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := c.Create(ctx, obj, metav1.CreateOptions{FieldManager: k8s.FieldManager}); err != nil {
			return apiError("create "+kind+" "+obj.GetName(), err)
		}
		return nil
	}
	if err != nil {
		return apiError("get "+kind+" "+obj.GetName(), err)
	}
	obj.SetResourceVersion(live.GetResourceVersion())
	if keep != nil {
		keep(live, obj)
	}
	if _, err := c.Update(ctx, obj, metav1.UpdateOptions{FieldManager: k8s.FieldManager}); err != nil {
		return apiError("update "+kind+" "+obj.GetName(), err)
	}
	return nil
}

// remove deletes name, reporting whether it existed.
func remove[T metav1.Object](ctx context.Context, c objectClient[T], kind, name string) (bool, error) {
	err := c.Delete(ctx, name, metav1.DeleteOptions{})
	switch {
	case err == nil:
		return true, nil
	case apierrors.IsNotFound(err):
		return false, nil
	default:
		return false, apiError("delete "+kind+" "+name, err)
	}
}

func exists[T metav1.Object](ctx context.Context, c objectClient[T], kind, name string) (T, bool, error) {
	obj, err := c.Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		return obj, true, nil
	case apierrors.IsNotFound(err):
		return obj, false, nil
	default:
		return obj, false, apiError("get "+kind+" "+name, err)
	}
}

// apiError maps API failures onto the hosting taxonomy.
func apiError(step string, err error) error {
	sentinel := hosting.ErrRemoteCommandFailed
	if apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) {
		sentinel = hosting.ErrResourceConflict
	}
	return hosting.Step(step, "", fmt.Errorf("%w: %v", sentinel, err))
}
