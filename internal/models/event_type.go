package models

import "strings"

// EventType 事件类型名称（与生产者约定的字符串）
type EventType string

const (
	EventAppointmentCreated               EventType = "AppointmentCreated"
	EventAppointmentCompleted             EventType = "AppointmentCompleted"
	EventAppointmentMonitorTick           EventType = "AppointmentMonitorTick"
	EventAppointmentMonitorSweep          EventType = "AppointmentMonitorSweep"
	EventAppointmentAutoScheduleRequested EventType = "AppointmentAutoScheduleRequested"

	EventVisitConsumablesUpdated EventType = "VisitConsumablesUpdated"
	EventInventoryMonitorTick    EventType = "InventoryMonitorTick"
	EventInventoryDailyTick      EventType = "InventoryDailyTick"
	EventInventoryRulesUpdated   EventType = "InventoryRulesUpdated"

	EventRevenueMonitorTick EventType = "RevenueMonitorTick"
	EventRevenueDailyTick   EventType = "RevenueDailyTick"
	EventARRankAndNotify    EventType = "ARRankAndNotify"

	EventCaseUpdated                 EventType = "CaseUpdated"
	EventCaseGenerateSummary         EventType = "CaseGenerateSummary"
	EventCaseMonitorTick             EventType = "CaseMonitorTick"
	EventCaseStageTransitionRequest  EventType = "CaseStageTransitionRequested"
	EventCaseStageTransitionApproved EventType = "CaseStageTransitionApproved"
	EventCaseAutoMatchRequested      EventType = "CaseAutoMatchRequested"

	EventAgentRunRequested EventType = "AgentRunRequested"
)

// EventCategory 事件所属业务域
type EventCategory int

const (
	CategoryUnknown EventCategory = iota
	CategoryAppointment
	CategoryVisit
	CategoryInventory
	CategoryRevenue
	CategoryCase
	CategorySystem
)

func (c EventCategory) String() string {
	switch c {
	case CategoryAppointment:
		return "appointment"
	case CategoryVisit:
		return "visit"
	case CategoryInventory:
		return "inventory"
	case CategoryRevenue:
		return "revenue"
	case CategoryCase:
		return "case"
	case CategorySystem:
		return "system"
	}
	return "unknown"
}

var knownCategories = map[EventType]EventCategory{
	EventAppointmentCreated:               CategoryAppointment,
	EventAppointmentCompleted:             CategoryAppointment,
	EventAppointmentMonitorTick:           CategoryAppointment,
	EventAppointmentMonitorSweep:          CategoryAppointment,
	EventAppointmentAutoScheduleRequested: CategoryAppointment,
	EventVisitConsumablesUpdated:          CategoryVisit,
	EventInventoryMonitorTick:             CategoryInventory,
	EventInventoryDailyTick:               CategoryInventory,
	EventInventoryRulesUpdated:            CategoryInventory,
	EventRevenueMonitorTick:               CategoryRevenue,
	EventRevenueDailyTick:                 CategoryRevenue,
	EventARRankAndNotify:                  CategoryRevenue,
	EventCaseUpdated:                      CategoryCase,
	EventCaseGenerateSummary:              CategoryCase,
	EventCaseMonitorTick:                  CategoryCase,
	EventCaseStageTransitionRequest:       CategoryCase,
	EventCaseStageTransitionApproved:      CategoryCase,
	EventCaseAutoMatchRequested:           CategoryCase,
	EventAgentRunRequested:                CategorySystem,
}

// Category 返回事件类型所属业务域；未登记的类型为 CategoryUnknown
func (t EventType) Category() EventCategory {
	if c, ok := knownCategories[t]; ok {
		return c
	}
	return CategoryUnknown
}

// Normalize 去除首尾空白
func (t EventType) Normalize() EventType {
	return EventType(strings.TrimSpace(string(t)))
}
