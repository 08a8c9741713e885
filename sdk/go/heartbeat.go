package sdk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// ErrLeaseExpired 租约已失效，需要重新注册
var ErrLeaseExpired = errors.New("租约已失效，需要重新注册")

// SendHeartbeat 发送心跳续约
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	registered := c.isRegistered
	instanceID := c.instanceID
	c.mu.Unlock()

	if !registered {
		return fmt.Errorf("服务实例尚未注册")
	}

	resp, err := c.doRequest(ctx, c.config.ServerAddr, http.MethodPut, fmt.Sprintf("/api/v1/services/%s/heartbeat", instanceID), nil)
	if err != nil {
		// 租约过期后续约返回404，此时必须重新注册
		if resp != nil && resp.Code == http.StatusNotFound {
			c.mu.Lock()
			c.isRegistered = false
			c.mu.Unlock()
			return ErrLeaseExpired
		}
		return fmt.Errorf("发送心跳失败: %w", err)
	}
	return nil
}

// StartHeartbeat 开始后台心跳任务。
// 租约失效时自动重新注册。
func (c *Client) StartHeartbeat() {
	c.StopHeartbeat()

	c.mu.Lock()
	c.stopChan = make(chan struct{})
	stopChan := c.stopChan
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				err := c.SendHeartbeat(ctx)
				if errors.Is(err, ErrLeaseExpired) {
					log.Printf("租约已失效，尝试重新注册")
					if regErr := c.Register(ctx); regErr != nil {
						log.Printf("重新注册失败: %v, 将在下一个周期重试", regErr)
					}
				} else if err != nil {
					log.Printf("心跳发送失败: %v, 将在下一个周期重试", err)
				}
				cancel()
			case <-stopChan:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
}

// Close 关闭客户端：停止心跳并注销服务实例
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}
	return nil
}
