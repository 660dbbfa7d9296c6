package main

import (
	"context"
	"os"
	"strings"
	"time"

	"PulseChat/global"
	"PulseChat/logger"
	mid "PulseChat/middleware"
	"PulseChat/module/chat/message"
	apisvc "PulseChat/module/chat/service"
	"PulseChat/service/chat"
	"PulseChat/service/kafka"
	"PulseChat/service/mgo"
	"PulseChat/service/natsx"
	"PulseChat/service/storage"

	"github.com/gin-gonic/gin"
)

const archiveTopic = "pc_message_archive"

// kafkaArchive 归档旁路；key=会话ID 保证会话内分区有序
type kafkaArchive struct{}

func (kafkaArchive) Publish(key, value []byte) error {
	return kafka.SendSync(archiveTopic, key, value)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	global.ConfigAll()

	nodeID := envOr("GATEWAY_ID", "chat_gw-1")
	tenant := global.GetTenantID()

	// 持久层就绪再开门
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgo.WaitReady(waitCtx, mgo.Manager()); err != nil {
		logger.Errorf("[boot] mongo not ready: %v", err)
		os.Exit(1)
	}

	msgStore := message.NewMongoStore()
	members := storage.NewMembershipResolver(func(ctx context.Context, conv string) ([]string, error) {
		return msgStore.MembersOf(ctx, tenant, conv)
	})
	reg := chat.NewRegistry(nodeID, chat.Conf{}, members)

	// 跨节点转发：NATS 可选，没配就纯单机
	var notify message.Notifier = reg
	if url := os.Getenv("NATS_URL"); url != "" {
		nxc, err := natsx.NewNatsxClient(natsx.NatsxConfig{Servers: strings.Split(url, ","), Name: nodeID})
		if err != nil {
			logger.Errorf("[boot] nats connect failed, relay disabled: %v", err)
		} else {
			if serr := chat.StartRelayConsumer(nodeID, nxc, reg); serr != nil {
				logger.Errorf("[boot] relay subscribe failed: %v", serr)
			}
			notify = &chat.RelayNotifier{NodeID: nodeID, Reg: reg, Nats: nxc}
			defer nxc.Close()
		}
	}

	// 归档旁路：kafka 可选
	var archive message.ArchiveProducer
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		if err := kafka.InitKafkaClient(strings.Split(brokers, ",")); err != nil {
			logger.Errorf("[boot] kafka client failed, archive disabled: %v", err)
		} else if err := kafka.InitSyncProducerFromClient(); err != nil {
			logger.Errorf("[boot] kafka producer failed, archive disabled: %v", err)
		} else {
			archive = kafkaArchive{}
			defer kafka.Close()
		}
	}

	flow := message.NewStatusFlow(msgStore, notify)
	svc := message.NewService(msgStore, notify, archive)
	syncer := message.NewSyncer(msgStore, reg, message.SyncOptions{})
	ws := chat.NewServer(nodeID, tenant, reg, flow, syncer, chat.ServerConf{})

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/chat", ws.HandleWS) // 鉴权在握手里做（token 可选）

	api := &apisvc.API{Svc: svc, Flow: flow, Syncer: syncer}
	mid.POST(r, "/message/send", api.HandlerSend, mid.RouteOpt{IsAuth: true})
	mid.POST(r, "/message/ack", api.HandlerAck, mid.RouteOpt{IsAuth: true})
	mid.GET(r, "/sync", api.HandlerSync, mid.RouteOpt{IsAuth: true})

	addr := envOr("LISTEN_ADDR", ":8080")
	logger.Infof("[boot] %s listening on %s", nodeID, addr)
	if err := r.Run(addr); err != nil {
		logger.Errorf("[boot] server exited: %v", err)
		os.Exit(1)
	}
}
