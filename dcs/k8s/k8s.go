// Package k8s implements dcs.Client against the Kubernetes API, modelling
// the leader key and the rest of the scope keyspace as annotations on one
// ConfigMap in the target namespace, and each member record as an
// annotation on that member's Pod. CAS is expressed as an update guarded by
// resourceVersion, the native Kubernetes optimistic-concurrency token.
//
// Grounded on the client-go usage in the top-level pack repo
// openshift-dpu-network-operator (informer/lister + typed clientset idiom);
// this backend uses the typed clientset directly rather than an informer,
// since each tick already performs its own point-in-time GetCluster read.
package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/signal18/pgsentry/dcs"
)

const (
	annoInitialize = "pgsentry.io/initialize"
	annoConfig     = "pgsentry.io/config"
	annoLeader     = "pgsentry.io/leader"
	annoFailover   = "pgsentry.io/failover"
	annoSync       = "pgsentry.io/sync"
	annoStatus     = "pgsentry.io/status"
	annoHistory    = "pgsentry.io/history"

	memberLabel = "pgsentry.io/member"
)

// Config configures the Kubernetes backend.
type Config struct {
	Namespace string
	Scope     string // ConfigMap name, e.g. "pgsentry-<scope>-config"
	Name      string // this agent's member name, also the Pod name
	TTL       time.Duration
}

// Client is the Kubernetes-backed dcs.Client.
type Client struct {
	cfg Config
	cs  kubernetes.Interface
}

// New returns a Client wrapping an already-constructed clientset (typically
// built from in-cluster config via rest.InClusterConfig()).
func New(cfg Config, cs kubernetes.Interface) *Client {
	return &Client{cfg: cfg, cs: cs}
}

func (c *Client) Name() string { return "kubernetes" }

func (c *Client) cmClient() interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.ConfigMap, error)
	Create(ctx context.Context, cm *corev1.ConfigMap, opts metav1.CreateOptions) (*corev1.ConfigMap, error)
	Update(ctx context.Context, cm *corev1.ConfigMap, opts metav1.UpdateOptions) (*corev1.ConfigMap, error)
} {
	return c.cs.CoreV1().ConfigMaps(c.cfg.Namespace)
}

func (c *Client) getOrInit(ctx context.Context) (*corev1.ConfigMap, error) {
	cm, err := c.cmClient().Get(ctx, c.cfg.Scope, metav1.GetOptions{})
	if err == nil {
		return cm, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}
	cm = &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: c.cfg.Scope, Namespace: c.cfg.Namespace, Annotations: map[string]string{}},
	}
	return c.cmClient().Create(ctx, cm, metav1.CreateOptions{})
}

func (c *Client) GetCluster(ctx context.Context) (*dcs.Snapshot, error) {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return nil, dcs.NewError("get_cluster", err)
	}

	snap := &dcs.Snapshot{Initialize: cm.Annotations[annoInitialize]}
	if v := cm.Annotations[annoConfig]; v != "" {
		_ = json.Unmarshal([]byte(v), &snap.Config)
	}
	if v := cm.Annotations[annoLeader]; v != "" {
		var l dcs.Leader
		if json.Unmarshal([]byte(v), &l) == nil {
			snap.Leader = &l
		}
	}
	if v := cm.Annotations[annoFailover]; v != "" {
		var f dcs.Failover
		if json.Unmarshal([]byte(v), &f) == nil {
			snap.Failover = &f
		}
	}
	if v := cm.Annotations[annoSync]; v != "" {
		_ = json.Unmarshal([]byte(v), &snap.Sync)
	}
	if v := cm.Annotations[annoStatus]; v != "" {
		_ = json.Unmarshal([]byte(v), &snap.Status)
	}
	if v := cm.Annotations[annoHistory]; v != "" {
		_ = json.Unmarshal([]byte(v), &snap.History)
	}

	pods, err := c.cs.CoreV1().Pods(c.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: memberLabel})
	if err != nil {
		return nil, dcs.NewError("get_cluster", err)
	}
	members := make([]dcs.Member, 0, len(pods.Items))
	for _, p := range pods.Items {
		if v, ok := p.Annotations[annoStatus+".member"]; ok {
			var m dcs.Member
			if json.Unmarshal([]byte(v), &m) == nil {
				members = append(members, m)
			}
		}
	}
	*snap = snap.WithMembers(members)
	return snap, nil
}

func (c *Client) AttemptToAcquireLeader(ctx context.Context) (bool, error) {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}

	if v := cm.Annotations[annoLeader]; v != "" {
		var l dcs.Leader
		if json.Unmarshal([]byte(v), &l) == nil {
			if l.Name == c.cfg.Name {
				l.RenewDeadline = time.Now().Add(c.cfg.TTL)
				return c.casLeader(ctx, cm, l)
			}
			if l.RenewDeadline.After(time.Now()) {
				return false, nil
			}
			// lease expired, fall through and try to take it.
		}
	}

	return c.casLeader(ctx, cm, dcs.Leader{Name: c.cfg.Name, RenewDeadline: time.Now().Add(c.cfg.TTL)})
}

func (c *Client) casLeader(ctx context.Context, cm *corev1.ConfigMap, l dcs.Leader) (bool, error) {
	payload, _ := json.Marshal(l)
	if cm.Annotations == nil {
		cm.Annotations = map[string]string{}
	}
	cm.Annotations[annoLeader] = string(payload)

	_, err := c.cmClient().Update(ctx, cm, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		// Another agent raced us for the resourceVersion; the spec
		// treats this as "not leader this tick".
		return false, nil
	}
	if err != nil {
		return false, dcs.NewError("attempt_to_acquire_leader", err)
	}
	return true, nil
}

func (c *Client) UpdateLeader(ctx context.Context, lsn uint64, slots map[string]uint64, failsafe map[string]string) (bool, error) {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return false, dcs.NewError("update_leader", err)
	}
	var l dcs.Leader
	if v := cm.Annotations[annoLeader]; v == "" || json.Unmarshal([]byte(v), &l) != nil || l.Name != c.cfg.Name {
		return false, nil
	}
	l.RenewDeadline = time.Now().Add(c.cfg.TTL)

	status, _ := json.Marshal(dcs.Status{LastLSN: lsn, Slots: slots})
	leaderPayload, _ := json.Marshal(l)
	cm.Annotations[annoLeader] = string(leaderPayload)
	cm.Annotations[annoStatus] = string(status)

	_, err = c.cmClient().Update(ctx, cm, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return false, nil
	}
	return err == nil, dcs.NewError("update_leader", err)
}

func (c *Client) TakeLeader(ctx context.Context) error {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return dcs.NewError("take_leader", err)
	}
	_, err = c.casLeader(ctx, cm, dcs.Leader{Name: c.cfg.Name, RenewDeadline: time.Now().Add(c.cfg.TTL)})
	return err
}

func (c *Client) ReleaseLeader(ctx context.Context) error {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return dcs.NewError("release_leader", err)
	}
	delete(cm.Annotations, annoLeader)
	_, err = c.cmClient().Update(ctx, cm, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return nil
	}
	return dcs.NewError("release_leader", err)
}

func (c *Client) SetFailoverValue(ctx context.Context, f dcs.Failover, version int) error {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return dcs.NewError("set_failover_value", err)
	}
	if f == (dcs.Failover{}) {
		delete(cm.Annotations, annoFailover)
	} else {
		payload, _ := json.Marshal(f)
		cm.Annotations[annoFailover] = string(payload)
	}
	_, err = c.cmClient().Update(ctx, cm, metav1.UpdateOptions{})
	return dcs.NewError("set_failover_value", err)
}

func (c *Client) SetSyncState(ctx context.Context, s dcs.SyncState, version int) (*dcs.SyncState, error) {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return nil, dcs.NewError("set_sync_state", err)
	}
	payload, _ := json.Marshal(s)
	cm.Annotations[annoSync] = string(payload)
	updated, err := c.cmClient().Update(ctx, cm, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dcs.NewError("set_sync_state", err)
	}
	out := s
	out.Version = mustResourceVersionInt(updated.ResourceVersion)
	return &out, nil
}

func (c *Client) SetHistoryValue(ctx context.Context, h dcs.HistoryEntry) error {
	cm, err := c.getOrInit(ctx)
	if err != nil {
		return dcs.NewError("set_history_value", err)
	}
	var history []dcs.HistoryEntry
	if v := cm.Annotations[annoHistory]; v != "" {
		_ = json.Unmarshal([]byte(v), &history)
	}
	history = append(history, h)
	payload, _ := json.Marshal(history)
	cm.Annotations[annoHistory] = string(payload)
	_, err = c.cmClient().Update(ctx, cm, metav1.UpdateOptions{})
	return dcs.NewError("set_history_value", err)
}

func (c *Client) ManualFailover(ctx context.Context, leader, candidate string, scheduledAt time.Time) error {
	return c.SetFailoverValue(ctx, dcs.Failover{Leader: leader, Candidate: candidate, ScheduledAt: scheduledAt}, 0)
}

// Watch polls GetCluster: client-go's watch API operates on object streams,
// not on a scope-scoped composite document, so a bounded poll loop is the
// simplest faithful rendering of "block up to timeout or until something
// relevant changes".
func (c *Client) Watch(ctx context.Context, leaderVersion int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	before, err := c.getOrInit(ctx)
	if err != nil {
		return false, dcs.NewError("watch", err)
	}
	rv := before.ResourceVersion

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			cur, err := c.getOrInit(ctx)
			if err != nil {
				continue
			}
			if cur.ResourceVersion != rv {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Client) TouchMember(ctx context.Context, data dcs.Member) error {
	pod, err := c.cs.CoreV1().Pods(c.cfg.Namespace).Get(ctx, c.cfg.Name, metav1.GetOptions{})
	if err != nil {
		return dcs.NewError("touch_member", err)
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[memberLabel] = "true"
	payload, _ := json.Marshal(data)
	pod.Annotations[annoStatus+".member"] = string(payload)
	_, err = c.cs.CoreV1().Pods(c.cfg.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return nil
	}
	return dcs.NewError("touch_member", err)
}

func mustResourceVersionInt(rv string) int {
	var n int
	_, _ = fmt.Sscanf(rv, "%d", &n)
	return n
}
